// Package sessionlog builds the "session_logs" prose summary the
// conversation-initiation payload carries, precomputed before the agent
// socket opens. It calls a configurable summarization endpoint over a
// bounded worker pool and falls back to a templated plain-text summary
// of recent episode history when the endpoint is unset or fails.
package sessionlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HistoryEntry is one prior episode's outcome, as far as the summarizer
// needs to know.
type HistoryEntry struct {
	Phase     string
	Resolution string
	Timestamp time.Time
}

// Job requests a session-log summary for one device.
type Job struct {
	DeviceID string
	History  []HistoryEntry
	Result   chan string
}

// Options configures a WorkerPool.
type Options struct {
	URL       string
	Model     string
	Timeout   time.Duration
	Workers   int
	QueueSize int
	Log       zerolog.Logger
}

// WorkerPool summarizes recent episode history into prose for the
// agent's conversation-initiation payload.
type WorkerPool struct {
	jobs   chan Job
	opts   Options
	client *http.Client
	log    zerolog.Logger

	completed atomic.Int64
	fallback  atomic.Int64

	wg sync.WaitGroup
}

// NewWorkerPool builds a WorkerPool; call Start to launch workers.
func NewWorkerPool(opts Options) *WorkerPool {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 32
	}
	return &WorkerPool{
		jobs:   make(chan Job, opts.QueueSize),
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		log:    opts.Log,
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.opts.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop drains pending jobs and waits for workers to exit.
func (wp *WorkerPool) Stop() {
	close(wp.jobs)
	wp.wg.Wait()
}

// Summarize synchronously requests a summary, blocking until the result
// is ready. When the queue is full it falls back to the templated
// summary immediately: session start must never stall on the endpoint.
func (wp *WorkerPool) Summarize(deviceID string, history []HistoryEntry) string {
	result := make(chan string, 1)
	select {
	case wp.jobs <- Job{DeviceID: deviceID, History: history, Result: result}:
		return <-result
	default:
		wp.fallback.Add(1)
		return templatedSummary(history)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	log := wp.log.With().Int("worker", id).Logger()

	for job := range wp.jobs {
		summary, err := wp.fetchSummary(job.DeviceID, job.History)
		if err != nil {
			log.Debug().Err(err).Str("device_id", job.DeviceID).Msg("session log summarizer unavailable, using template")
			wp.fallback.Add(1)
			summary = templatedSummary(job.History)
		} else {
			wp.completed.Add(1)
		}
		job.Result <- summary
	}
}

type summaryRequest struct {
	DeviceID string         `json:"device_id"`
	Model    string         `json:"model"`
	History  []HistoryEntry `json:"history"`
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

func (wp *WorkerPool) fetchSummary(deviceID string, history []HistoryEntry) (string, error) {
	if wp.opts.URL == "" {
		return "", fmt.Errorf("no session log endpoint configured")
	}

	body, err := json.Marshal(summaryRequest{DeviceID: deviceID, Model: wp.opts.Model, History: history})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), wp.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wp.opts.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wp.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session log endpoint returned status %d", resp.StatusCode)
	}

	var out summaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

// templatedSummary builds a plain-text fallback from recent history
// entries without any external call.
func templatedSummary(history []HistoryEntry) string {
	if len(history) == 0 {
		return "No prior sessions on record."
	}

	const maxEntries = 5
	if len(history) > maxEntries {
		history = history[len(history)-maxEntries:]
	}

	var b strings.Builder
	b.WriteString("Recent session history: ")
	for i, h := range history {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s ended in %s (%s)", h.Timestamp.Format("Jan 2 15:04"), h.Phase, h.Resolution)
	}
	b.WriteString(".")
	return b.String()
}
