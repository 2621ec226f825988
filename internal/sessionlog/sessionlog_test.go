package sessionlog

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSummarizeUsesEndpointWhenAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"summary":"calm week"}`))
	}))
	defer srv.Close()

	wp := NewWorkerPool(Options{URL: srv.URL, Workers: 1, Log: zerolog.Nop()})
	wp.Start()
	defer wp.Stop()

	got := wp.Summarize("dev-1", nil)
	if got != "calm week" {
		t.Errorf("summary = %q, want %q", got, "calm week")
	}
}

func TestSummarizeFallsBackWhenEndpointUnset(t *testing.T) {
	wp := NewWorkerPool(Options{Workers: 1, Log: zerolog.Nop()})
	wp.Start()
	defer wp.Stop()

	history := []HistoryEntry{{Phase: "resolved", Resolution: "calming_resolved", Timestamp: time.Now()}}
	got := wp.Summarize("dev-1", history)
	if got == "" {
		t.Error("expected a non-empty fallback summary")
	}
}

func TestSummarizeFallsBackOnEmptyHistory(t *testing.T) {
	wp := NewWorkerPool(Options{Workers: 1, Log: zerolog.Nop()})
	wp.Start()
	defer wp.Stop()

	got := wp.Summarize("dev-1", nil)
	if got != "No prior sessions on record." {
		t.Errorf("summary = %q, want the no-history fallback", got)
	}
}
