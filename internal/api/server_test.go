package api

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/parkit/camera-console/internal/auth"
	"github.com/parkit/camera-console/internal/camera"
	"github.com/parkit/camera-console/internal/clients"
	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/prefs"
	"github.com/parkit/camera-console/internal/processor"
	"github.com/parkit/camera-console/internal/queue"
)

type stubBackend struct {
	uploads   []string
	completed []string
}

func (b *stubBackend) UploadFrame(_ context.Context, f *clients.FrameUpload, sessionID, _ string) (*clients.UploadFrameResponse, error) {
	b.uploads = append(b.uploads, f.Filename)
	return &clients.UploadFrameResponse{FrameID: "f-" + f.Filename, SessionID: sessionID, DetectionCount: 1}, nil
}

func (b *stubBackend) CompleteSession(_ context.Context, sessionID string) (*clients.MessageResponse, error) {
	b.completed = append(b.completed, sessionID)
	return &clients.MessageResponse{Message: "ok", SessionID: sessionID}, nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	camera  *httptest.Server
	stream  *camera.Stream
	backend *stubBackend
	prefs   *prefs.Store
}

func snapshotPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 0, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	snapshot := snapshotPNG(t, 64, 36)
	cam := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(snapshot)
	}))
	t.Cleanup(cam.Close)

	store, err := prefs.OpenInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	overlay := processor.NewOverlay()
	stream := camera.NewStream(camera.NewHTTPFetcher(time.Second), camera.Options{
		PollInterval:  time.Hour,
		RetryInterval: time.Hour,
		Overlay:       overlay,
		Store:         store,
	})
	t.Cleanup(stream.Disconnect)

	backend := &stubBackend{}
	uploader, err := queue.NewUploader(queue.UploaderConfig{
		Batch:   queue.NewBatch(0),
		Backend: backend,
		Store:   store,
	})
	if err != nil {
		t.Fatal(err)
	}

	srv, err := NewServer(Config{RequestsPerMinute: 0}, Deps{
		Stream:   stream,
		Overlay:  overlay,
		Capturer: processor.NewCapturer(),
		Uploader: uploader,
		Auth:     auth.NewManager(store),
		Prefs:    store,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{server: srv, handler: srv.Handler(), camera: cam, stream: stream, backend: backend, prefs: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/camera/connect", map[string]string{"url": e.camera.URL + "/shot.jpg"})
	if rec.Code != http.StatusOK {
		t.Fatalf("connect status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthResponse
	decodeBody(t, rec, &body)
	if body.Status != "ok" || body.Camera {
		t.Errorf("health = %+v", body)
	}
}

func TestHealth_DegradedCheck(t *testing.T) {
	env := newTestEnv(t)
	env.server.deps.Checks = map[string]HealthCheck{
		"postgres": func(context.Context) error { return context.DeadlineExceeded },
	}
	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCamera_ConnectStateDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	var state camera.ConnectionState
	decodeBody(t, env.do(t, http.MethodGet, "/camera/state", nil), &state)
	if !state.Connected || state.FrameWidth != 64 || state.FrameHeight != 36 {
		t.Errorf("state = %+v", state)
	}
	if env.prefs.CameraURL() == "" {
		t.Error("camera URL should be remembered")
	}

	rec := env.do(t, http.MethodPost, "/camera/disconnect", nil)
	decodeBody(t, rec, &state)
	if state.Connected {
		t.Error("still connected after disconnect")
	}
}

func TestCamera_ConnectErrors(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/camera/connect", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing url status = %d", rec.Code)
	}

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer dead.Close()

	rec := env.do(t, http.MethodPost, "/camera/connect", map[string]string{"url": dead.URL})
	if rec.Code != http.StatusBadGateway {
		t.Errorf("unreachable camera status = %d", rec.Code)
	}
	var body ErrorBody
	decodeBody(t, rec, &body)
	if body.Error != "CAMERA_UNREACHABLE" {
		t.Errorf("error = %+v", body)
	}
}

func TestCamera_FrameIsPortrait(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/camera/frame", nil); rec.Code != http.StatusConflict {
		t.Errorf("frame before connect status = %d", rec.Code)
	}

	env.connect(t)
	rec := env.do(t, http.MethodGet, "/camera/frame", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("status = %d, type %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := jpeg.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); b.Dx() != 36 || b.Dy() != 64 {
		t.Errorf("preview = %dx%d, want 36x64", b.Dx(), b.Dy())
	}
}

func TestCamera_MapAndMark(t *testing.T) {
	env := newTestEnv(t)

	req := map[string]interface{}{
		"rect":    map[string]float64{"left": 10, "top": 20, "width": 18, "height": 32},
		"pointer": map[string]float64{"x": 19, "y": 36},
	}

	if rec := env.do(t, http.MethodPost, "/camera/map", req); rec.Code != http.StatusConflict {
		t.Errorf("map before connect status = %d", rec.Code)
	}

	env.connect(t)

	// Canvas is 36x64; the preview is shown at half scale
	var got mapResponse
	rec := env.do(t, http.MethodPost, "/camera/map", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("map status = %d, %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &got)
	if got.X != 18 || got.Y != 32 || got.Readout != "X: 18, Y: 32" || !got.InBounds {
		t.Errorf("map = %+v", got)
	}
	if _, ok := env.server.deps.Overlay.Marker(); ok {
		t.Error("map must not place a marker")
	}

	rec = env.do(t, http.MethodPost, "/camera/mark", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark status = %d", rec.Code)
	}
	if m, ok := env.server.deps.Overlay.Marker(); !ok || m.X != 18 || m.Y != 32 {
		t.Errorf("marker = %+v, %v", m, ok)
	}

	rec = env.do(t, http.MethodGet, "/camera/overlay", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("overlay status = %d", rec.Code)
	}
	overlay, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	if b := overlay.Bounds(); b.Dx() != 36 || b.Dy() != 64 {
		t.Errorf("overlay = %v", b)
	}

	if rec := env.do(t, http.MethodDelete, "/camera/overlay", nil); rec.Code != http.StatusNoContent {
		t.Errorf("clear status = %d", rec.Code)
	}
	if _, ok := env.server.deps.Overlay.Marker(); ok {
		t.Error("marker should be cleared")
	}
}

func TestCamera_MapZeroRect(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	rec := env.do(t, http.MethodPost, "/camera/map", map[string]interface{}{
		"rect":    map[string]float64{"width": 0, "height": 100},
		"pointer": map[string]float64{"x": 1, "y": 1},
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCaptureFlushComplete(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/camera/capture", nil); rec.Code != http.StatusConflict {
		t.Errorf("capture before connect status = %d", rec.Code)
	}

	env.connect(t)
	rec := env.do(t, http.MethodPost, "/camera/capture", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("capture status = %d, %s", rec.Code, rec.Body.String())
	}
	var artifact queue.Artifact
	decodeBody(t, rec, &artifact)
	if !strings.HasSuffix(artifact.Filename, "_portrait.jpg") || artifact.Width != 36 || artifact.Height != 64 {
		t.Errorf("artifact = %+v", artifact)
	}

	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, env.do(t, http.MethodGet, "/uploads", nil), &list)
	if list.Count != 1 {
		t.Errorf("pending = %d", list.Count)
	}

	if rec := env.do(t, http.MethodPost, "/uploads/flush", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("flush without session status = %d", rec.Code)
	}

	var flush queue.FlushResult
	rec = env.do(t, http.MethodPost, "/uploads/flush", map[string]string{"session_id": "s-1", "camera_id": "cam-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("flush status = %d, %s", rec.Code, rec.Body.String())
	}
	decodeBody(t, rec, &flush)
	if flush.Succeeded != 1 || flush.Remaining != 0 || len(env.backend.uploads) != 1 {
		t.Errorf("flush = %+v", flush)
	}
	if env.prefs.LastSessionID() != "s-1" || env.prefs.LastCameraID() != "cam-1" {
		t.Error("session and camera ids should be remembered")
	}

	if rec := env.do(t, http.MethodPost, "/sessions/s-1/complete", nil); rec.Code != http.StatusOK {
		t.Errorf("complete status = %d", rec.Code)
	}
	if len(env.backend.completed) != 1 || env.backend.completed[0] != "s-1" {
		t.Errorf("completed = %v", env.backend.completed)
	}
}

func multipartBody(t *testing.T, files map[string]struct {
	contentType string
	data        []byte
}) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
		h.Set("Content-Type", f.contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(f.data)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploads_AddAndClear(t *testing.T) {
	env := newTestEnv(t)

	body, contentType := multipartBody(t, map[string]struct {
		contentType string
		data        []byte
	}{
		"good.png": {"image/png", snapshotPNG(t, 4, 4)},
		"bad.txt":  {"text/plain", []byte("hello there")},
	})

	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, %s", rec.Code, rec.Body.String())
	}
	var resp addUploadsResponse
	decodeBody(t, rec, &resp)
	if len(resp.Added) != 1 || len(resp.Errors) != 1 || resp.Pending != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.Contains(resp.Errors[0], "bad.txt") {
		t.Errorf("error should name the file: %q", resp.Errors[0])
	}

	var cleared map[string]int
	decodeBody(t, env.do(t, http.MethodDelete, "/uploads", nil), &cleared)
	if cleared["cleared"] != 1 {
		t.Errorf("cleared = %v", cleared)
	}
}

func TestSessions_Generate(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodPost, "/sessions/generate", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if len(body["session_id"]) != 36 || env.prefs.LastSessionID() != body["session_id"] {
		t.Errorf("session = %v, stored %q", body, env.prefs.LastSessionID())
	}
}

func TestAuth_LoginLogout(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodPost, "/auth/login", map[string]string{"api_key": "  "}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty key status = %d", rec.Code)
	}

	if rec := env.do(t, http.MethodPost, "/auth/login", map[string]string{"api_key": "k-1"}); rec.Code != http.StatusOK {
		t.Fatalf("login status = %d", rec.Code)
	}
	var snap prefs.Snapshot
	decodeBody(t, env.do(t, http.MethodGet, "/prefs", nil), &snap)
	if !snap.Authenticated {
		t.Error("should be authenticated")
	}

	env.do(t, http.MethodPost, "/auth/logout", nil)
	decodeBody(t, env.do(t, http.MethodGet, "/prefs", nil), &snap)
	if snap.Authenticated {
		t.Error("should be logged out")
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	srv, err := NewServer(Config{RequestsPerMinute: 2}, env.server.deps)
	if err != nil {
		t.Fatal(err)
	}

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/camera/state", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d", last)
	}
}

func TestStatusForCode(t *testing.T) {
	cases := map[string]int{
		"PREVIEW_NOT_READY":       http.StatusConflict,
		"FRAME_NOT_READY":         http.StatusConflict,
		"INVALID_UPLOAD":          http.StatusBadRequest,
		"UNAUTHORIZED":            http.StatusUnauthorized,
		"CAMERA_UNREACHABLE":      http.StatusBadGateway,
		"CAPTURE_ENCODING_FAILED": http.StatusInternalServerError,
		"API_CALL_FAILED":         http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := statusForCode(consoleerrors.ErrorCode(code)); got != want {
			t.Errorf("statusForCode(%s) = %d, want %d", code, got, want)
		}
	}
}
