package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestTurnStageWindowSnapshot(t *testing.T) {
	w := newTurnStageWindow(8)
	w.Observe("utterance_to_first_audio", 500)
	w.Observe("utterance_to_first_audio", 700)
	w.Observe("utterance_to_first_audio", 900)
	w.ObserveIndicator("barge_in")
	w.ObserveIndicator("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "utterance_to_first_audio" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "utterance_to_first_audio")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1600 {
		t.Fatalf("TargetP95MS = %.2f, want 1600", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "barge_in" || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want barge_in x2", snap.Indicators)
	}
}

func TestTurnStageWindowWrapsAtCapacity(t *testing.T) {
	w := newTurnStageWindow(2)
	w.Observe("model_request", 100)
	w.Observe("model_request", 200)
	w.Observe("model_request", 300)

	snap := w.Snapshot()
	if snap.Stages[0].Samples != 2 {
		t.Fatalf("Samples = %d, want 2", snap.Stages[0].Samples)
	}
	if snap.Stages[0].AvgMS != 250 {
		t.Fatalf("AvgMS = %.2f, want 250", snap.Stages[0].AvgMS)
	}
	if snap.Stages[0].LastMS != 300 {
		t.Fatalf("LastMS = %.2f, want 300", snap.Stages[0].LastMS)
	}
}

func TestPercentileInterpolates(t *testing.T) {
	sorted := []float64{10, 20, 30, 40}
	cases := map[float64]float64{0: 10, 50: 25, 100: 40, 95: 38.5}
	for p, want := range cases {
		if got := round2(percentile(sorted, p)); got != want {
			t.Fatalf("percentile(%v) = %v, want %v", p, got, want)
		}
	}
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("percentile(nil) = %v, want 0", got)
	}
}

func TestMetricsNilSafeAndSnapshot(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.ObserveTurnStage("turn_total", time.Second)
	nilMetrics.ObserveToolInvocation("findBooking", "ok")
	if got := nilMetrics.SnapshotTurnStages(); len(got.Stages) != 0 {
		t.Fatalf("nil metrics snapshot stages = %d, want 0", len(got.Stages))
	}

	m := NewMetricsWithRegisterer("test", prometheus.NewRegistry())
	m.ObserveTurnStage("turn_total", 1500*time.Millisecond)
	m.ObserveModelRequest("ok", 300*time.Millisecond)
	m.IncChunksEmitted()
	snap := m.SnapshotTurnStages()
	if len(snap.Stages) != 1 || snap.Stages[0].LastMS != 1500 {
		t.Fatalf("snapshot = %+v, want turn_total 1500ms", snap.Stages)
	}
	m.ResetTurnStages()
	if got := m.SnapshotTurnStages(); len(got.Stages) != 0 {
		t.Fatalf("after reset stages = %d, want 0", len(got.Stages))
	}
}
