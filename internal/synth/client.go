// Package synth calls the external speech synthesis API. The provider
// is opaque: one POST with the request parameters, audio bytes back.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	URL     string
	APIKey  string
	Headers map[string]string
	Client  *http.Client
}

func NewClient(url, apiKey string, headers map[string]string) *Client {
	return &Client{
		URL:     url,
		APIKey:  apiKey,
		Headers: headers,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type speechRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

type apiError struct {
	Error string `json:"error"`
}

// Speak synthesizes text into audio bytes.
func (c *Client) Speak(ctx context.Context, text, voice string, speed float64) ([]byte, error) {
	body, err := json.Marshal(speechRequest{Text: text, Voice: voice, Speed: speed})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("synthesis failed: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("synthesis failed: status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesis returned empty payload")
	}
	return audio, nil
}
