package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parkit/camera-console/internal/logging"
)

type countingService struct {
	starts atomic.Int32
	failN  int32
}

func (s *countingService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.failN {
		return errors.New("transient failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTree_RunsAndStopsServices(t *testing.T) {
	tree := NewTree(slog.New(logging.NewSlogHandler()), TreeConfig{ShutdownTimeout: time.Second})

	capture := &countingService{}
	delivery := &countingService{}
	api := &countingService{}
	tree.AddCaptureService(Named{Name: "stream", Svc: capture})
	tree.AddDeliveryService(delivery)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for capture.starts.Load() == 0 || delivery.starts.Load() == 0 || api.starts.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("services did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTree_RestartsFailedService(t *testing.T) {
	tree := NewTree(slog.New(logging.NewSlogHandler()), TreeConfig{
		FailureBackoff:  10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	})

	flaky := &countingService{failN: 2}
	tree.AddDeliveryService(flaky)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for flaky.starts.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("starts = %d, want 3", flaky.starts.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestNamed_String(t *testing.T) {
	if got := (Named{Name: "http"}).String(); got != "http" {
		t.Errorf("String() = %q", got)
	}
}
