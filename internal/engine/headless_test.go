package engine

import (
	"testing"

	"graphshell/internal/diagnostics"
)

func TestHeadless_FullEventChannelReportsDrop(t *testing.T) {
	e := NewHeadless(1)
	rec := diagnostics.NewRecorder(nil, 0)
	e.Emit(Event{Kind: EventTitleChanged, Handle: 1})
	e.Emit(Event{Kind: EventTitleChanged, Handle: 2})
	if got := rec.Count(diagnostics.BackpressureDrop); got != 0 {
		t.Fatalf("drops before sink = %d, want 0", got)
	}

	e.SetSink(rec)
	e.Emit(Event{Kind: EventFirstPaint, Handle: 3})
	if got := rec.Count(diagnostics.BackpressureDrop); got != 1 {
		t.Errorf("drops = %d, want 1", got)
	}
	if got := len(e.Events()); got != 1 {
		t.Fatalf("queued = %d, want 1", got)
	}
	if ev := <-e.Events(); ev.Handle != 1 {
		t.Errorf("queued event = %+v, want the first", ev)
	}
}
