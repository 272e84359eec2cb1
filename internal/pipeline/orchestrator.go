// Package pipeline turns a recorded patient response into a persisted
// medication status: retrieve, transcribe, extract, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"medication-reminder/internal/audit"
	"medication-reminder/internal/calls"
	"medication-reminder/internal/observe"
	"medication-reminder/internal/recording"
	"medication-reminder/pkg/logger"
	"medication-reminder/pkg/utils"
)

var ErrClosed = errors.New("pipeline: orchestrator is shut down")

type Retriever interface {
	Retrieve(ctx context.Context, ref, callSid string) (recording.Artifact, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

type Classifier interface {
	Extract(transcript string) calls.StatusMap
}

// Locker is an optional cross-process lock so only one replica processes a
// given CallSid at a time.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

type Option func(*Orchestrator)

// WithTranscribeTimeout bounds the provider transcription call.
func WithTranscribeTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.transcribeTimeout = d }
}

func WithLocker(l Locker, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.locker = l
		o.lockTTL = ttl
	}
}

func WithAudit(a *audit.Service) Option {
	return func(o *Orchestrator) { o.audit = a }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs response pipelines. Runs for different CallSids proceed
// concurrently; concurrent requests for the same CallSid share one run.
type Orchestrator struct {
	store       calls.Store
	retriever   Retriever
	transcriber Transcriber
	classifier  Classifier

	audit   *audit.Service
	metrics *observe.Metrics
	locker  Locker
	lockTTL time.Duration

	transcribeTimeout time.Duration
	clock             func() time.Time

	group singleflight.Group
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(store calls.Store, r Retriever, t Transcriber, c Classifier, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:             store,
		retriever:         r,
		transcriber:       t,
		classifier:        c,
		lockTTL:           5 * time.Minute,
		transcribeTimeout: 45 * time.Second,
		clock:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches a run in the background and returns immediately. The run
// keeps ctx's values but not its cancellation, so it outlives the webhook
// request that started it.
func (o *Orchestrator) Start(ctx context.Context, ref, callSid string) *Task {
	t := newTask()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		logger.From(ctx).Warn("pipeline rejected after shutdown", "call_sid", callSid)
		t.finish(Outcome{CallSid: callSid, Stage: StageSkipped, Err: ErrClosed})
		return t
	}
	o.wg.Add(1)
	o.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer o.wg.Done()
		t.finish(o.Process(runCtx, ref, callSid))
	}()
	return t
}

// Process runs the pipeline synchronously. It never panics and never
// returns an error; failures are persisted on the call record and reported
// in the Outcome.
func (o *Orchestrator) Process(ctx context.Context, ref, callSid string) Outcome {
	v, _, shared := o.group.Do(callSid, func() (any, error) {
		return o.run(ctx, ref, callSid), nil
	})
	out := v.(Outcome)
	out.Shared = shared
	return out
}

// Shutdown stops accepting new runs and waits for in-flight ones.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type execution struct {
	o         *Orchestrator
	log       *slog.Logger
	callSid   string
	stage     Stage
	artifact  recording.Artifact
	persisted bool
	out       Outcome
}

func (o *Orchestrator) run(ctx context.Context, ref, callSid string) (out Outcome) {
	ctx = logger.WithCall(ctx, callSid)
	ctx, span := observe.StartSpan(ctx, "pipeline.run", trace.WithAttributes(attribute.String("call_sid", callSid)))
	started := o.clock()
	r := &execution{o: o, log: logger.From(ctx), callSid: callSid, stage: StageRetrieval, out: Outcome{CallSid: callSid}}
	if id := observe.TraceID(ctx); id != "" {
		r.log = r.log.With("trace_id", id)
	}
	defer func() {
		span.SetAttributes(attribute.String("stage", string(out.Stage)))
		observe.EndSpan(span, out.Err)
	}()

	if o.locker != nil {
		release, err := o.locker.Acquire(ctx, callSid, o.lockTTL)
		switch {
		case errors.Is(err, utils.ErrLockHeld):
			r.log.Info("pipeline already running elsewhere")
			return Outcome{CallSid: callSid, Stage: StageSkipped}
		case err != nil:
			r.log.Warn("pipeline lock unavailable, continuing unlocked", "err", err)
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					r.log.Warn("pipeline lock release failed", "err", err)
				}
			}()
		}
	}

	o.metrics.PipelineStarted(ctx)
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("pipeline panic", "panic", p)
			if !r.persisted {
				r.fail(ctx, r.stage, fmt.Errorf("pipeline: internal error: %v", p))
			}
		}
		r.cleanup()
		r.out.Duration = o.clock().Sub(started)
		o.metrics.PipelineFinished(ctx, string(r.out.Stage), r.out.Err == nil, r.out.Duration)
		out = r.out
	}()

	r.log.Info("pipeline started", "recording", ref)
	r.execute(ctx, ref)
	return r.out
}

func (r *execution) execute(ctx context.Context, ref string) {
	o := r.o

	rctx, rspan := observe.StartSpan(ctx, "pipeline.retrieve")
	a, err := o.retriever.Retrieve(rctx, ref, r.callSid)
	if err == nil {
		rspan.SetAttributes(attribute.String("source", a.Source))
	}
	observe.EndSpan(rspan, err)
	if err != nil {
		r.fail(ctx, StageRetrieval, err)
		return
	}
	r.artifact = a

	audio, err := os.ReadFile(a.Path)
	if err != nil {
		r.fail(ctx, StageRetrieval, fmt.Errorf("%w: read artifact: %w", recording.ErrRetrieval, err))
		return
	}
	if len(audio) == 0 {
		r.fail(ctx, StageRetrieval, fmt.Errorf("%w: empty recording", recording.ErrRetrieval))
		return
	}
	r.log.Debug("recording retrieved", "bytes", len(audio), "source", a.Source)

	r.stage = StageTranscription
	tctx, tspan := observe.StartSpan(ctx, "pipeline.transcribe", trace.WithAttributes(attribute.Int("audio_bytes", len(audio))))
	tctx, cancel := context.WithTimeout(tctx, o.transcribeTimeout)
	tStart := o.clock()
	text, err := o.transcriber.Transcribe(tctx, audio, a.ContentType)
	cancel()
	observe.EndSpan(tspan, err)
	o.metrics.Transcribed(ctx, o.clock().Sub(tStart), err == nil)
	if err != nil {
		r.fail(ctx, StageTranscription, err)
		return
	}

	r.stage = StageExtraction
	statuses := o.classifier.Extract(text)
	for med, st := range statuses {
		o.metrics.MedicationStatus(ctx, med, string(st))
	}

	r.out.Stage = StageComplete
	r.out.Transcript = text
	r.out.Statuses = statuses
	r.persist(ctx, calls.Success(text, statuses))
	r.log.Info("pipeline completed", "transcript_chars", len(text), "medication_status", statuses)
	r.recordAudit(ctx, true, summarize(statuses))
}

// fail persists the failure fact for the stage that failed.
func (r *execution) fail(ctx context.Context, stage Stage, err error) {
	r.out.Stage = stage
	r.out.Err = err
	r.log.Error("pipeline failed", "stage", stage, "err", err)
	r.persist(ctx, calls.Failure(err.Error()))
	r.recordAudit(ctx, false, string(stage)+": "+err.Error())
}

// persist writes the single terminal update for this run.
func (r *execution) persist(ctx context.Context, u calls.Update) {
	if r.persisted {
		return
	}
	r.persisted = true
	if _, err := r.o.store.Update(ctx, r.callSid, u); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			r.log.Warn("call record missing, outcome not persisted")
		} else {
			r.log.Error("persist pipeline outcome failed", "err", err)
		}
		return
	}
	r.out.Persisted = true
}

// cleanup always removes the working copy. The debug copy is kept only when
// the run failed so the audio can be inspected.
func (r *execution) cleanup() {
	if err := r.artifact.Remove(); err != nil {
		r.log.Warn("recording cleanup failed", "path", r.artifact.Path, "err", err)
	}
	if r.out.Err != nil {
		if r.artifact.DebugPath != "" {
			r.log.Info("keeping debug recording", "path", r.artifact.DebugPath)
		}
		return
	}
	if err := r.artifact.RemoveDebug(); err != nil {
		r.log.Warn("debug recording cleanup failed", "path", r.artifact.DebugPath, "err", err)
	}
}

func (r *execution) recordAudit(ctx context.Context, ok bool, msg string) {
	if r.o.audit == nil {
		return
	}
	if err := r.o.audit.LogPipeline(ctx, r.callSid, ok, msg, ""); err != nil {
		r.log.Warn("audit append failed", "err", err)
	}
}

func summarize(m calls.StatusMap) string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+string(v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
