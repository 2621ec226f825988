// Package inference wraps the external model-inference collaborator:
// a fixed-shape-window-in, score-dict-out call, kept off the connection
// plane's hot path by a semaphore-bounded worker pool with a per-call
// context timeout.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/vitalguard/internal/buffer"
)

// Score is the inference collaborator's result for one window.
type Score struct {
	OverallScore   float64   `json:"overall_score"`
	MaxScore       float64   `json:"max_score"`
	IsAnomaly      bool      `json:"is_anomaly"`
	PerTimestep    []float64 `json:"per_timestep,omitempty"`
	AttentionHint  string    `json:"attention_hint,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Failed reports whether the collaborator call failed. A failed call
// means this tick produced no score; the pipeline moves on.
func (s Score) Failed() bool {
	return s.Error != ""
}

// Proxy calls the inference collaborator over HTTP, bounding concurrency
// to a fixed worker-pool size via a semaphore so a slow model never
// backs up the connection plane.
type Proxy struct {
	url     string
	client  *http.Client
	sem     chan struct{}
	log     zerolog.Logger
}

// Options configures a Proxy.
type Options struct {
	URL     string
	Workers int
	Timeout time.Duration
	Log     zerolog.Logger
}

// New creates a Proxy. If url is empty, Infer always returns a Score
// with Error set and the rest of the pipeline runs without scores.
func New(opts Options) *Proxy {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Proxy{
		url:    opts.URL,
		client: &http.Client{Timeout: timeout},
		sem:    make(chan struct{}, workers),
		log:    opts.Log,
	}
}

type inferRequest struct {
	Window buffer.Window `json:"window"`
}

// Infer submits window to the inference collaborator, blocking until a
// worker slot is free (bounding in-flight calls to the pool size) or ctx
// is cancelled.
func (p *Proxy) Infer(ctx context.Context, window buffer.Window) Score {
	if p.url == "" {
		return Score{Error: "inference collaborator not configured"}
	}

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return Score{Error: "context cancelled waiting for inference worker"}
	}

	body, err := json.Marshal(inferRequest{Window: window})
	if err != nil {
		return Score{Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return Score{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn().Err(err).Msg("inference collaborator unreachable")
		return Score{Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.log.Warn().Int("status", resp.StatusCode).Msg("inference collaborator returned non-200")
		return Score{Error: "inference collaborator error"}
	}

	var score Score
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		return Score{Error: err.Error()}
	}
	return score
}
