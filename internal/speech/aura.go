// Package speech renders reminder prompts to audio with Deepgram Aura and
// keeps the files around just long enough for the provider to fetch them.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"medication-reminder/pkg/logger"
)

const (
	defaultBaseURL = "https://api.deepgram.com"
	defaultModel   = "aura-asteria-en"
)

var ErrSynthesis = errors.New("speech: synthesis failed")

type Option func(*Synthesizer)

func WithModel(model string) Option {
	return func(s *Synthesizer) {
		if model != "" {
			s.model = model
		}
	}
}

func WithBaseURL(base string) Option {
	return func(s *Synthesizer) {
		if base != "" {
			s.baseURL = strings.TrimRight(base, "/")
		}
	}
}

func WithScratchDir(dir string) Option {
	return func(s *Synthesizer) { s.dir = dir }
}

// WithTTL sets how long a rendered clip stays on disk.
func WithTTL(d time.Duration) Option {
	return func(s *Synthesizer) { s.ttl = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(s *Synthesizer) { s.http = hc }
}

// Clip is a rendered prompt served from the scratch directory.
type Clip struct {
	FileName string
	Path     string
}

type Synthesizer struct {
	apiKey  string
	baseURL string
	model   string
	dir     string
	ttl     time.Duration
	http    *http.Client
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		dir:     "tmp",
		ttl:     60 * time.Second,
		http:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
		pending: make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Dir is the directory clips are written to.
func (s *Synthesizer) Dir() string { return s.dir }

// Synthesize renders text to tts-<unix-nanos>.mp3 and schedules its removal.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (Clip, error) {
	if strings.TrimSpace(text) == "" {
		return Clip{}, fmt.Errorf("%w: empty text", ErrSynthesis)
	}

	u, err := url.Parse(s.baseURL + "/v1/speak")
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	q := u.Query()
	q.Set("model", s.model)
	u.RawQuery = q.Encode()

	payload, _ := json.Marshal(map[string]string{"text": text})

	var audio []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Token "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("aura status %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("aura status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		case len(body) == 0:
			return backoff.Permanent(errors.New("aura returned no audio"))
		}
		audio = body
		return nil
	}

	// A caller is waiting on the line, so only one quick retry.
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 1)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return Clip{}, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Clip{}, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	name := "tts-" + strconv.FormatInt(s.now().UnixNano(), 10) + ".mp3"
	clip := Clip{FileName: name, Path: filepath.Join(s.dir, name)}
	if err := os.WriteFile(clip.Path, audio, 0o644); err != nil {
		return Clip{}, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	s.scheduleRemoval(logger.From(ctx), clip.Path)
	return clip, nil
}

func (s *Synthesizer) scheduleRemoval(log *slog.Logger, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[path] = time.AfterFunc(s.ttl, func() {
		s.mu.Lock()
		delete(s.pending, path)
		s.mu.Unlock()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("prompt audio cleanup failed", "path", path, "err", err)
		}
	})
}

// Pending reports how many clips are still waiting for removal.
func (s *Synthesizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Shutdown removes every clip that is still scheduled for deletion.
func (s *Synthesizer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	paths := make([]string, 0, len(s.pending))
	for p, t := range s.pending {
		t.Stop()
		paths = append(paths, p)
	}
	s.pending = make(map[string]*time.Timer)
	s.mu.Unlock()

	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		logger.From(ctx).Warn("prompt audio cleanup failed on shutdown", "count", len(errs))
	}
	return errors.Join(errs...)
}
