package episode

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPFuser calls an external reasoning collaborator (e.g. a hosted
// generative model) to analyze an episode's trigger vitals and any visual
// check-in. Grounded on internal/inference.Proxy's HTTP-call shape,
// generalized from a fixed-shape window to an episode summary.
type HTTPFuser struct {
	url    string
	apiKey string
	model  string
	client *http.Client
	log    zerolog.Logger
}

// FuserOptions configures an HTTPFuser.
type FuserOptions struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
	Log     zerolog.Logger
}

// NewHTTPFuser creates a fuser. If url is empty, Analyze always returns
// (nil, nil), which the episode service treats as "unavailable" and falls
// back to threshold fusion.
func NewHTTPFuser(opts FuserOptions) *HTTPFuser {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPFuser{
		url:    opts.URL,
		apiKey: opts.APIKey,
		model:  opts.Model,
		client: &http.Client{Timeout: timeout},
		log:    opts.Log,
	}
}

type fuserRequest struct {
	Model       string         `json:"model,omitempty"`
	DeviceID    string         `json:"device_id"`
	TriggerData map[string]any `json:"trigger_data"`
	PresageData map[string]any `json:"presage_data,omitempty"`
}

// Analyze implements Fuser.
func (f *HTTPFuser) Analyze(ctx context.Context, ep *Episode) (*GeminiOutcome, error) {
	if f.url == "" {
		return nil, nil
	}

	body, err := json.Marshal(fuserRequest{
		Model:       f.model,
		DeviceID:    ep.DeviceID,
		TriggerData: ep.TriggerData,
		PresageData: ep.PresageData,
	})
	if err != nil {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Warn().Err(err).Msg("fusion collaborator unreachable, falling back to threshold")
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.log.Warn().Int("status", resp.StatusCode).Msg("fusion collaborator returned non-200, falling back to threshold")
		return nil, nil
	}

	var outcome GeminiOutcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return nil, nil
	}
	if !validOutcome(&outcome) {
		f.log.Warn().Str("decision", outcome.Decision).Msg("fusion collaborator returned malformed outcome, falling back to threshold")
		return nil, nil
	}
	return &outcome, nil
}

// validOutcome rejects responses with a missing or unknown decision,
// out-of-range scores, or an empty reasoning body; the caller falls back
// to threshold fusion on rejection.
func validOutcome(o *GeminiOutcome) bool {
	switch o.Decision {
	case "escalate", "false_positive", "ambiguous":
	default:
		return false
	}
	if o.SeverityScore < 0 || o.SeverityScore > 1 {
		return false
	}
	if o.Confidence < 0 || o.Confidence > 1 {
		return false
	}
	return o.Reasoning != ""
}
