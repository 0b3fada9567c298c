package state

import (
	"sync"
	"testing"
	"time"

	"github.com/hubrts/youtube-command-deck/internal/logger"
)

func newTestState(t *testing.T) *RuntimeState {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	return NewRuntimeState(log)
}

func TestTryPutActiveLiveSingleFlight(t *testing.T) {
	s := newTestState(t)
	live := &ActiveLive{VideoID: "vid123abcde", Title: "T", StartedAt: time.Now()}
	if !s.TryPutActiveLive(live) {
		t.Fatalf("first registration must succeed")
	}
	if s.TryPutActiveLive(&ActiveLive{VideoID: "vid123abcde"}) {
		t.Fatalf("second registration for same id must fail")
	}
	s.RemoveActiveLive("vid123abcde")
	if !s.TryPutActiveLive(live) {
		t.Fatalf("registration after removal must succeed")
	}
}

func TestTryPutActiveLiveConcurrent(t *testing.T) {
	s := newTestState(t)
	const workers = 32
	var wg sync.WaitGroup
	successes := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			successes <- s.TryPutActiveLive(&ActiveLive{VideoID: "vid123abcde", StartedAt: time.Now()})
		}()
	}
	wg.Wait()
	close(successes)
	won := 0
	for ok := range successes {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("exactly one concurrent start must win, got %d", won)
	}
}

func TestStopRequestsIdempotent(t *testing.T) {
	s := newTestState(t)
	if s.IsLiveStopRequested("vid123abcde") {
		t.Fatalf("fresh state has no stop bits")
	}
	if !s.RequestLiveStop("vid123abcde") {
		t.Fatalf("stop request must succeed")
	}
	if !s.RequestLiveStop("vid123abcde") {
		t.Fatalf("repeated stop request is still a success (set insert)")
	}
	if !s.IsLiveStopRequested("vid123abcde") {
		t.Fatalf("stop bit must be visible")
	}
	s.ClearLiveStopRequest("vid123abcde")
	if s.IsLiveStopRequested("vid123abcde") {
		t.Fatalf("cleared stop bit must be gone")
	}
	if s.RequestLiveStop("  ") {
		t.Fatalf("blank ids are rejected")
	}
}

func TestReplayTaskDedupe(t *testing.T) {
	s := newTestState(t)
	if !s.TryAddReplayTask("vid123abcde") {
		t.Fatalf("first replay task must register")
	}
	if s.TryAddReplayTask("vid123abcde") {
		t.Fatalf("duplicate replay task must be refused")
	}
	s.RemoveReplayTask("vid123abcde")
	if !s.TryAddReplayTask("vid123abcde") {
		t.Fatalf("after removal scheduling works again")
	}
}

func TestGetActiveLiveReturnsCopy(t *testing.T) {
	s := newTestState(t)
	s.TryPutActiveLive(&ActiveLive{VideoID: "vid123abcde", Title: "orig"})
	got, ok := s.GetActiveLive("vid123abcde")
	if !ok {
		t.Fatalf("expected entry")
	}
	got.Title = "mutated"
	again, _ := s.GetActiveLive("vid123abcde")
	if again.Title != "orig" {
		t.Fatalf("GetActiveLive must return copies")
	}
}
