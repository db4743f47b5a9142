package camera

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/processor"
)

func pngSnapshot(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type memStore struct {
	mu  sync.Mutex
	url string
}

func (m *memStore) SetCameraURL(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = url
	return nil
}

type funcFetcher func(ctx context.Context, url string) ([]byte, error)

func (f funcFetcher) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStream_ConnectPollDisconnect(t *testing.T) {
	snapshot := pngSnapshot(t, 64, 36)
	var hits atomic.Int32
	var badQuery atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("t") == "" {
			badQuery.Store(true)
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(snapshot)
	}))
	defer srv.Close()

	overlay := processor.NewOverlay()
	store := &memStore{}
	s := NewStream(NewHTTPFetcher(time.Second), Options{
		PollInterval:  10 * time.Millisecond,
		RetryInterval: 20 * time.Millisecond,
		Overlay:       overlay,
		Store:         store,
	})

	if err := s.Connect(context.Background(), srv.URL+"/shot.jpg"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	st := s.State()
	if !st.Connected || st.FrameWidth != 64 || st.FrameHeight != 36 {
		t.Fatalf("state after connect = %+v", st)
	}
	if st.Rotation.Degrees() != 90 {
		t.Errorf("rotation = %v", st.Rotation)
	}
	if cs := s.Transform().CanvasSize(); cs.Width != 36 || cs.Height != 64 {
		t.Errorf("canvas = %+v, want 36x64", cs)
	}
	if store.url != srv.URL+"/shot.jpg" {
		t.Errorf("persisted URL = %q", store.url)
	}

	waitFor(t, func() bool { return hits.Load() >= 3 })
	if badQuery.Load() {
		t.Error("a request was missing the cache-busting t parameter")
	}

	overlay.Mark(processor.SensorCoordinate{X: 1, Y: 1})
	s.Disconnect()

	st = s.State()
	if st.Connected || s.LatestFrame() != nil {
		t.Errorf("state after disconnect = %+v", st)
	}
	if _, ok := overlay.Marker(); ok {
		t.Error("disconnect should clear the overlay")
	}

	after := hits.Load()
	time.Sleep(50 * time.Millisecond)
	if hits.Load() != after {
		t.Errorf("polling continued after disconnect: %d -> %d", after, hits.Load())
	}
}

func TestStream_DisconnectIsIdempotent(t *testing.T) {
	snapshot := pngSnapshot(t, 8, 4)
	overlay := processor.NewOverlay()
	s := NewStream(funcFetcher(func(context.Context, string) ([]byte, error) {
		return snapshot, nil
	}), Options{PollInterval: time.Hour, Overlay: overlay})
	if err := s.Connect(context.Background(), "http://cam.local/snap.jpg"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	connected := s.State()

	s.Disconnect()
	once := s.State()
	if once.Generation <= connected.Generation {
		t.Errorf("disconnect should invalidate the poll generation: %d -> %d", connected.Generation, once.Generation)
	}

	s.Disconnect()
	if twice := s.State(); twice != once {
		t.Errorf("second disconnect changed state:\n once  %+v\n twice %+v", once, twice)
	}
	if s.LatestFrame() != nil {
		t.Error("frame should stay cleared")
	}
	if _, ok := overlay.Marker(); ok {
		t.Error("overlay should stay cleared")
	}
}

func TestStream_DisconnectNeverConnected(t *testing.T) {
	s := NewStream(funcFetcher(func(context.Context, string) ([]byte, error) {
		return nil, errors.New("unused")
	}), Options{})

	before := s.State()
	s.Disconnect()
	if after := s.State(); after != before {
		t.Errorf("state changed: %+v -> %+v", before, after)
	}
}

func TestStream_InitialFailureIsSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no camera", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewStream(NewHTTPFetcher(time.Second), Options{})
	err := s.Connect(context.Background(), srv.URL)
	if !errors.Is(err, consoleerrors.ErrCameraUnreachable) {
		t.Fatalf("error = %v, want CameraUnreachable", err)
	}
	if s.State().Connected || s.LatestFrame() != nil {
		t.Errorf("stream should stay disconnected: %+v", s.State())
	}
}

func TestStream_InvalidURL(t *testing.T) {
	s := NewStream(NewHTTPFetcher(time.Second), Options{})
	for _, u := range []string{"", "   ", "ftp://cam/shot", "not a url"} {
		if err := s.Connect(context.Background(), u); !errors.Is(err, consoleerrors.ErrCameraUnreachable) {
			t.Errorf("Connect(%q) error = %v", u, err)
		}
	}
}

func TestStream_PollFailuresAreCountedNotSurfaced(t *testing.T) {
	snapshot := pngSnapshot(t, 8, 4)
	var calls atomic.Int32

	fetcher := funcFetcher(func(ctx context.Context, url string) ([]byte, error) {
		if calls.Add(1) == 1 {
			return snapshot, nil
		}
		return nil, errors.New("connection reset")
	})

	s := NewStream(fetcher, Options{PollInterval: 5 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	if err := s.Connect(context.Background(), "http://camera.local/shot.jpg"); err != nil {
		t.Fatal(err)
	}
	defer s.Disconnect()

	waitFor(t, func() bool { return s.State().ConsecutiveFailures >= 2 })

	st := s.State()
	if !st.Connected {
		t.Error("poll failures must not disconnect the stream")
	}
	if s.LatestFrame() == nil {
		t.Error("last good frame should be kept after a failed poll")
	}
}

func TestStream_StalePollIsDiscarded(t *testing.T) {
	first := pngSnapshot(t, 8, 4)
	late := pngSnapshot(t, 16, 4)
	release := make(chan struct{})
	var calls atomic.Int32

	fetcher := funcFetcher(func(ctx context.Context, url string) ([]byte, error) {
		if calls.Add(1) == 1 {
			return first, nil
		}
		<-release // settles after the stream moved on, ignoring cancellation
		return late, nil
	})

	s := NewStream(fetcher, Options{PollInterval: time.Millisecond})
	if err := s.Connect(context.Background(), "http://camera.local/shot.jpg"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() >= 2 })

	disconnected := make(chan struct{})
	go func() {
		s.Disconnect()
		close(disconnected)
	}()

	waitFor(t, func() bool { return !s.State().Connected })
	close(release)
	<-disconnected

	if s.LatestFrame() != nil {
		t.Error("a stale poll result replaced the cleared frame")
	}
	if calls.Load() != 2 {
		t.Errorf("stale poll rescheduled: %d fetches", calls.Load())
	}
}

func TestCacheBustURL(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	tests := []struct {
		in   string
		want string
	}{
		{"http://cam/shot.jpg", "http://cam/shot.jpg?t=1700000000000"},
		{"http://cam/shot.jpg?res=hd", "http://cam/shot.jpg?res=hd&t=1700000000000"},
	}
	for _, tt := range tests {
		if got := CacheBustURL(tt.in, at); got != tt.want {
			t.Errorf("CacheBustURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHTTPFetcher_RejectsNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(time.Second).Fetch(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v, want status 404", err)
	}
}
