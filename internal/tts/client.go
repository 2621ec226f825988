// Package tts streams synthesized speech from the external voice
// endpoint as raw 16 kHz PCM16 chunks, sized for the watch's playback
// channel.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// chunkSize is 100 ms of 16 kHz PCM16, matching the frame size the watch
// expects on its binary playback channel.
const chunkSize = 3200

// Client calls the streaming synthesis endpoint.
type Client struct {
	url     string
	apiKey  string
	voiceID string
	modelID string
	client  *http.Client
	log     zerolog.Logger
}

// Options configures a Client.
type Options struct {
	URL     string
	APIKey  string
	VoiceID string
	ModelID string
	Timeout time.Duration
	Log     zerolog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:     opts.URL,
		apiKey:  opts.APIKey,
		voiceID: opts.VoiceID,
		modelID: opts.ModelID,
		client:  &http.Client{Timeout: timeout},
		log:     opts.Log,
	}
}

type synthesisRequest struct {
	Text         string `json:"text"`
	VoiceID      string `json:"voice_id,omitempty"`
	ModelID      string `json:"model_id,omitempty"`
	OutputFormat string `json:"output_format"`
}

// Stream synthesizes text and delivers the audio to onChunk in playback
// order, one watch-sized frame at a time.
func (c *Client) Stream(ctx context.Context, text string, onChunk func([]byte)) error {
	body, err := json.Marshal(synthesisRequest{
		Text:         text,
		VoiceID:      c.voiceID,
		ModelID:      c.modelID,
		OutputFormat: "pcm_16000",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("xi-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("tts endpoint unreachable")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts endpoint returned status %d", resp.StatusCode)
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onChunk(chunk)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
