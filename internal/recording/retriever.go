package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"medication-reminder/pkg/logger"
)

var ErrRetrieval = errors.New("recording: retrieval failed")

var (
	recordingIDPattern = regexp.MustCompile(`RE[0-9a-fA-F]{32}`)
	unsafeFileChars    = regexp.MustCompile(`[^A-Za-z0-9_-]`)
)

// candidateSuffixes are tried in order against the raw reference once the
// canonical media endpoint has failed.
var candidateSuffixes = []string{".mp3", ".wav", ""}

// MediaSource is the slice of the telephony provider the retriever needs.
// DownloadMedia performs an authenticated GET and returns the body with its
// content type; non-2xx responses are errors.
type MediaSource interface {
	FetchRecordingMediaURL(ctx context.Context, recordingID string) (string, error)
	DownloadMedia(ctx context.Context, url string) ([]byte, string, error)
}

// Artifact is a downloaded recording on local disk. It is owned by the
// pipeline run that requested it.
type Artifact struct {
	Path        string
	DebugPath   string
	Size        int
	ContentType string
	Source      string
}

func (a Artifact) Remove() error      { return removeIfExists(a.Path) }
func (a Artifact) RemoveDebug() error { return removeIfExists(a.DebugPath) }

type Retriever struct {
	media MediaSource
	dir   string
	grace time.Duration
	wait  func(ctx context.Context, d time.Duration) error
}

type Option func(*Retriever)

// WithGrace sets how long to wait before the first download attempt so the
// provider can finish publishing the recording.
func WithGrace(d time.Duration) Option {
	return func(r *Retriever) { r.grace = d }
}

func WithScratchDir(dir string) Option {
	return func(r *Retriever) { r.dir = dir }
}

func New(media MediaSource, opts ...Option) *Retriever {
	r := &Retriever{
		media: media,
		dir:   "tmp",
		grace: 2 * time.Second,
		wait:  sleep,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RecordingID extracts a provider recording id from either a bare id or a
// URL whose path contains one.
func RecordingID(ref string) (string, bool) {
	id := recordingIDPattern.FindString(ref)
	return id, id != ""
}

// Retrieve downloads the recording behind ref and writes it to the scratch
// directory. On success the artifact is non-empty and on disk.
func (r *Retriever) Retrieve(ctx context.Context, ref, callSid string) (Artifact, error) {
	log := logger.From(ctx)
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Artifact{}, fmt.Errorf("%w: empty recording reference", ErrRetrieval)
	}
	if err := r.wait(ctx, r.grace); err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrRetrieval, err)
	}

	var attempts []error

	if id, ok := RecordingID(ref); ok {
		body, ctype, err := r.fetchCanonical(ctx, id)
		if err == nil {
			return r.persist(callSid, "canonical", body, ctype, "")
		}
		log.Warn("canonical recording fetch failed", "recording_id", id, "err", err)
		attempts = append(attempts, fmt.Errorf("canonical %s: %w", id, err))
	} else {
		attempts = append(attempts, errors.New("no recording id in reference"))
	}

	for _, suffix := range candidateSuffixes {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, err)
			break
		}
		u := ref + suffix
		body, ctype, err := r.media.DownloadMedia(ctx, u)
		if err == nil {
			err = checkAudio(body, ctype)
		}
		if err == nil {
			return r.persist(callSid, "candidate"+suffix, body, ctype, u)
		}
		log.Debug("recording candidate rejected", "url", u, "err", err)
		attempts = append(attempts, fmt.Errorf("%s: %w", u, err))
	}

	return Artifact{}, fmt.Errorf("%w: %w", ErrRetrieval, errors.Join(attempts...))
}

func (r *Retriever) fetchCanonical(ctx context.Context, id string) ([]byte, string, error) {
	mediaURL, err := r.media.FetchRecordingMediaURL(ctx, id)
	if err != nil {
		return nil, "", err
	}
	body, ctype, err := r.media.DownloadMedia(ctx, mediaURL)
	if err != nil {
		return nil, "", err
	}
	if err := checkAudio(body, ctype); err != nil {
		return nil, "", err
	}
	return body, ctype, nil
}

// checkAudio rejects the provider's XML error documents and empty bodies.
func checkAudio(body []byte, contentType string) error {
	if strings.Contains(strings.ToLower(contentType), "xml") {
		return fmt.Errorf("xml response (%s)", contentType)
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return nil
}

func (r *Retriever) persist(callSid, source string, body []byte, contentType, sourceURL string) (Artifact, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("%w: scratch dir: %w", ErrRetrieval, err)
	}
	ext := extension(contentType, sourceURL)
	name := safeName(callSid)

	a := Artifact{
		Path:        filepath.Join(r.dir, "recording-"+name+ext),
		DebugPath:   filepath.Join(r.dir, "debug-recording-"+name+"-"+uuid.NewString()+ext),
		Size:        len(body),
		ContentType: contentType,
		Source:      source,
	}
	if err := os.WriteFile(a.Path, body, 0o600); err != nil {
		return Artifact{}, fmt.Errorf("%w: write artifact: %w", ErrRetrieval, err)
	}
	if err := os.WriteFile(a.DebugPath, body, 0o600); err != nil {
		_ = a.Remove()
		return Artifact{}, fmt.Errorf("%w: write debug copy: %w", ErrRetrieval, err)
	}
	return a, nil
}

func extension(contentType, sourceURL string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return ".mp3"
	case strings.Contains(ct, "wav"):
		return ".wav"
	}
	if ext := strings.ToLower(path.Ext(sourceURL)); ext == ".mp3" || ext == ".wav" {
		return ext
	}
	return ".wav"
}

func safeName(callSid string) string {
	s := unsafeFileChars.ReplaceAllString(callSid, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

func removeIfExists(p string) error {
	if p == "" {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
