// Package tts wraps the external speech-synthesis service.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Request is one synthesis call. Text is already extracted and normalized.
type Request struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

// Audio is the synthesized artifact returned by the engine.
type Audio struct {
	Data        []byte
	ContentType string
}

// Synthesizer converts text to an audio artifact.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (Audio, error)
}

// HTTPSynthesizer posts synthesis requests to an HTTP speech service and
// reads the audio bytes back.
type HTTPSynthesizer struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPSynthesizer constructs the client for a speech endpoint.
func NewHTTPSynthesizer(baseURL, apiKey string, httpClient *http.Client) *HTTPSynthesizer {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPSynthesizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Synthesize sends the text and returns the audio payload.
func (s *HTTPSynthesizer) Synthesize(ctx context.Context, req Request) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, fmt.Errorf("text required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Audio{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/synthesize", bytes.NewReader(payload))
	if err != nil {
		return Audio{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return Audio{}, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return Audio{}, fmt.Errorf("tts service error: %s", msg)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Audio{}, fmt.Errorf("read tts response: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("empty audio response")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return Audio{Data: data, ContentType: contentType}, nil
}
