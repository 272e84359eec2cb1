// Package transcription submits recorded patient responses to Deepgram's
// pre-recorded speech-to-text API.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultBaseURL  = "https://api.deepgram.com"
	defaultModel    = "nova-3"
	defaultLanguage = "en"
)

var ErrTranscription = errors.New("transcription: provider error")

type Option func(*Client)

// WithModel sets the Deepgram model (e.g. "nova-3", "nova-2-phonecall").
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithLanguage(language string) Option {
	return func(c *Client) {
		if language != "" {
			c.language = language
		}
	}
}

// WithBaseURL points the client at a different API origin.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithRetryWindow bounds how long transient failures are retried.
func WithRetryWindow(d time.Duration) Option {
	return func(c *Client) { c.retryWindow = d }
}

// Client calls POST /v1/listen with smart formatting and diarization enabled.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	language    string
	http        *http.Client
	retryWindow time.Duration
}

// New creates a Client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	c := &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		model:       defaultModel,
		language:    defaultLanguage,
		http:        &http.Client{Timeout: 60 * time.Second},
		retryWindow: 15 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type listenResponse struct {
	ErrCode string `json:"err_code"`
	ErrMsg  string `json:"err_msg"`
	Results *struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe returns the top alternative of channel 0. An empty transcript
// means no speech was detected and is not an error.
func (c *Client) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("%w: empty audio", ErrTranscription)
	}
	if mimeType == "" {
		mimeType = "audio/wav"
	}

	u, err := url.Parse(c.baseURL + "/v1/listen")
	if err != nil {
		return "", fmt.Errorf("deepgram: base url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.model)
	q.Set("language", c.language)
	q.Set("smart_format", "true")
	q.Set("diarize", "true")
	u.RawQuery = q.Encode()

	var out listenResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audio))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Token "+c.apiKey)
		req.Header.Set("Content-Type", mimeType)

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		out = listenResponse{}
		_ = json.Unmarshal(body, &out)
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("deepgram status %d: %s", resp.StatusCode, describe(out, body))
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("deepgram status %d: %s", resp.StatusCode, describe(out, body)))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = c.retryWindow
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscription, err)
	}

	if out.ErrCode != "" || out.ErrMsg != "" {
		return "", fmt.Errorf("%w: %s", ErrTranscription, describe(out, nil))
	}
	if out.Results == nil || len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", fmt.Errorf("%w: response has no channel alternatives", ErrTranscription)
	}
	return out.Results.Channels[0].Alternatives[0].Transcript, nil
}

func describe(r listenResponse, body []byte) string {
	if r.ErrCode != "" || r.ErrMsg != "" {
		return strings.TrimSpace(r.ErrCode + " " + r.ErrMsg)
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
