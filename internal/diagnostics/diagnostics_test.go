package diagnostics

import (
	"fmt"
	"sync"
	"testing"
)

func TestRecorder_CountsAndRetention(t *testing.T) {
	r := NewRecorder(nil, 3)
	for i := 0; i < 5; i++ {
		Emit(r, AccessDenied, "denied", "peer", fmt.Sprintf("p%d", i))
	}
	Emit(r, ConflictDetected, "conflict")

	if got := r.Count(AccessDenied); got != 5 {
		t.Errorf("Count(AccessDenied) = %d, want 5", got)
	}
	events := r.Events()
	if len(events) != 3 {
		t.Fatalf("retained %d events, want 3", len(events))
	}
	if events[0].Fields["peer"] != "p3" {
		t.Errorf("oldest retained = %v, want p3", events[0].Fields)
	}
	if events[2].Channel != ConflictDetected {
		t.Errorf("newest = %s", events[2].Channel)
	}

	r.Reset()
	if r.Count(AccessDenied) != 0 || len(r.Events()) != 0 {
		t.Error("Reset should clear counts and events")
	}
}

func TestRecorder_ConcurrentEmit(t *testing.T) {
	r := NewRecorder(nil, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Emit(r, BackpressureDrop, "drop")
			}
		}()
	}
	wg.Wait()
	if got := r.Count(BackpressureDrop); got != 400 {
		t.Errorf("Count = %d, want 400", got)
	}
}

func TestEmit_NilSink(t *testing.T) {
	Emit(nil, AccessDenied, "ignored")
}
