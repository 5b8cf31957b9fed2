package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserverCountsTurnsAndBargeIns(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusObserver("voicebank", reg)

	Record(p, EventTurnStarted, 1, nil)
	Record(p, EventTurnStarted, 1, nil)
	Record(p, EventTurnCancelled, 1, nil)
	Record(p, EventBargeIn, 1, map[string]string{TagSource: "transcript"})
	Record(p, EventBargeIn, 1, map[string]string{TagSource: "client"})
	Record(p, EventBargeIn, 1, map[string]string{TagSource: "client"})

	if got := testutil.ToFloat64(p.turns.WithLabelValues("started")); got != 2 {
		t.Fatalf("expected 2 started turns, got %v", got)
	}
	if got := testutil.ToFloat64(p.turns.WithLabelValues("cancelled")); got != 1 {
		t.Fatalf("expected 1 cancelled turn, got %v", got)
	}
	if got := testutil.ToFloat64(p.bargeIns.WithLabelValues("client")); got != 2 {
		t.Fatalf("expected 2 client barge-ins, got %v", got)
	}
}

func TestAsyncObserverDrainsOnClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		Record(a, EventStateTransition, 1, nil)
	}
	a.Close()
	if got := mem.Count(EventStateTransition) + int(a.Dropped()); got != 10 {
		t.Fatalf("expected every event recorded or counted as dropped, got %d", got)
	}
	Record(a, EventStateTransition, 1, nil)
	if mem.Count(EventStateTransition) > 10 {
		t.Fatalf("events after close must be ignored")
	}
}

func TestMultiSkipsNil(t *testing.T) {
	mem := NewMemoryObserver()
	Multi{nil, mem, NoopObserver{}}.RecordEvent(MetricsEvent{Name: EventTurnCompleted})
	if mem.Count(EventTurnCompleted) != 1 {
		t.Fatalf("expected event fan-out")
	}
}
