package scores

import (
	"testing"
	"time"

	"github.com/snarg/vitalguard/internal/inference"
)

func TestSetDiscardsStaleUpdate(t *testing.T) {
	r := New()
	now := time.Now()

	r.Set("d1", inference.Score{OverallScore: 0.9}, now)
	r.Set("d1", inference.Score{OverallScore: 0.1}, now.Add(-time.Second))

	e, ok := r.Score("d1")
	if !ok {
		t.Fatal("expected entry")
	}
	if e.Score.OverallScore != 0.9 {
		t.Errorf("stale update overwrote newer score: got %v", e.Score.OverallScore)
	}
}

func TestSetAcceptsNewerUpdate(t *testing.T) {
	r := New()
	now := time.Now()

	r.Set("d1", inference.Score{OverallScore: 0.1}, now)
	r.Set("d1", inference.Score{OverallScore: 0.9}, now.Add(time.Second))

	e, _ := r.Score("d1")
	if e.Score.OverallScore != 0.9 {
		t.Errorf("newer update was discarded: got %v", e.Score.OverallScore)
	}
}

func TestDelete(t *testing.T) {
	r := New()
	r.Set("d1", inference.Score{OverallScore: 0.5}, time.Now())
	r.Delete("d1")
	if _, ok := r.Score("d1"); ok {
		t.Error("expected entry to be gone after Delete")
	}
}

func TestAllReturnsSnapshotCopy(t *testing.T) {
	r := New()
	r.Set("d1", inference.Score{OverallScore: 0.5}, time.Now())

	snap := r.All()
	snap["d1"] = Entry{Score: inference.Score{OverallScore: 999}}

	e, _ := r.Score("d1")
	if e.Score.OverallScore == 999 {
		t.Error("All() leaked a mutable reference into the registry")
	}
}

func TestAnomalousSkipsFailedAndMissing(t *testing.T) {
	r := New()
	now := time.Now()
	r.Set("d1", inference.Score{OverallScore: 0.9}, now)
	r.Set("d2", inference.Score{Error: "collaborator down", OverallScore: 0.9}, now)
	r.Set("d3", inference.Score{OverallScore: 0.4}, now)

	got := r.Anomalous([]string{"d1", "d2", "d3", "d4"}, 0.5)
	if len(got) != 1 || got[0] != "d1" {
		t.Errorf("Anomalous() = %v, want [d1]", got)
	}
}

func TestScoresForSkipsFailedAndMissing(t *testing.T) {
	r := New()
	now := time.Now()
	r.Set("d1", inference.Score{OverallScore: 0.7}, now)
	r.Set("d2", inference.Score{Error: "timeout"}, now)

	got := r.ScoresFor([]string{"d1", "d2", "d3"})
	if len(got) != 1 {
		t.Fatalf("ScoresFor() = %v, want 1 entry", got)
	}
	if got["d1"] != 0.7 {
		t.Errorf("ScoresFor()[d1] = %v, want 0.7", got["d1"])
	}
}
