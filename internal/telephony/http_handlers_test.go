package telephony

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"medication-reminder/internal/calls"
	"medication-reminder/internal/config"
	"medication-reminder/internal/pipeline"
	"medication-reminder/internal/speech"
	"medication-reminder/pkg/logger"
)

type fakePrompts struct {
	clip speech.Clip
	err  error
}

func (f fakePrompts) Synthesize(context.Context, string) (speech.Clip, error) {
	return f.clip, f.err
}

type fakePipeline struct {
	mu      sync.Mutex
	started [][2]string
}

func (f *fakePipeline) Start(_ context.Context, ref, sid string) *pipeline.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, [2]string{ref, sid})
	return nil
}

type fakeFallback struct {
	mu   sync.Mutex
	seen []calls.CallRecord
}

func (f *fakeFallback) Start(_ context.Context, rec calls.CallRecord) <-chan error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, rec)
	done := make(chan error, 1)
	done <- nil
	return done
}

type handlerFixture struct {
	router   *gin.Engine
	store    *calls.MemoryStore
	pipeline *fakePipeline
	fallback *fakeFallback
	handler  *WebhookHandler
}

func newHandlerFixture(t *testing.T, prompts PromptRenderer) handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := handlerFixture{
		store:    calls.NewMemoryStore(),
		pipeline: &fakePipeline{},
		fallback: &fakeFallback{},
	}
	h := &WebhookHandler{
		Script:        config.DefaultScript(),
		PublicBaseURL: "https://reminders.example.org",
		Prompts:       prompts,
		Store:         f.store,
		Pipeline:      f.pipeline,
		Fallback:      f.fallback,
	}

	r := gin.New()
	r.Use(logger.Middleware(logger.New("test")))
	r.POST(PathVoiceResponse, h.VoiceResponse)
	r.POST(PathIncomingCall, h.IncomingCall)
	r.POST(PathHandleResponse, h.HandleResponse)
	r.POST(PathCallStatus, h.CallStatus)
	r.POST(PathVoicemail, h.Voicemail)
	f.router = r
	f.handler = h
	return f
}

func (f handlerFixture) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestVoiceResponse_PlaysSynthesizedPrompt(t *testing.T) {
	f := newHandlerFixture(t, fakePrompts{clip: speech.Clip{FileName: "tts-1.mp3"}})

	w := f.post(PathVoiceResponse, url.Values{"CallSid": {"CA1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/xml") {
		t.Fatalf("expected text/xml, got %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Play>https://reminders.example.org/audio/tts-1.mp3</Play>") {
		t.Fatalf("expected play verb: %s", body)
	}
	if !strings.Contains(body, `action="/twilio/handle-response"`) {
		t.Fatalf("expected record verb: %s", body)
	}
}

func TestVoiceResponse_FallsBackToBuiltInVoice(t *testing.T) {
	f := newHandlerFixture(t, fakePrompts{err: errors.New("tts down")})

	w := f.post(PathVoiceResponse, url.Values{"CallSid": {"CA1"}})
	body := w.Body.String()
	if !strings.Contains(body, `<Say voice="alice">`) || strings.Contains(body, "<Play>") {
		t.Fatalf("expected built-in voice: %s", body)
	}
	if !strings.Contains(body, "<Record") {
		t.Fatalf("expected record verb: %s", body)
	}
}

func TestIncomingCall_CreatesRecordAndPrompts(t *testing.T) {
	f := newHandlerFixture(t, nil)

	w := f.post(PathIncomingCall, url.Values{"CallSid": {"CA9"}, "From": {"+15550001111"}, "CallStatus": {"ringing"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Have you taken your medications today?") {
		t.Fatalf("expected incoming script: %s", w.Body.String())
	}
	rec, err := f.store.FindByCallSid(context.Background(), "CA9")
	if err != nil {
		t.Fatalf("expected record, got %v", err)
	}
	if rec.From != "+15550001111" || rec.Status != calls.StatusRinging {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestHandleResponse_StartsPipelineAndThanksCaller(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	if _, err := f.store.Create(ctx, calls.CallRecord{CallSid: "CA1", To: "+15550001111", Status: calls.StatusInProgress, Attempt: calls.AttemptReminder}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	w := f.post(PathHandleResponse, url.Values{"CallSid": {"CA1"}, "RecordingUrl": {"https://api.twilio.com/rec/RE1"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Thank you for your response. Goodbye.") || !strings.Contains(body, "<Hangup>") {
		t.Fatalf("unexpected twiml: %s", body)
	}
	if len(f.pipeline.started) != 1 || f.pipeline.started[0] != [2]string{"https://api.twilio.com/rec/RE1", "CA1"} {
		t.Fatalf("expected pipeline start, got %v", f.pipeline.started)
	}
	rec, _ := f.store.FindByCallSid(ctx, "CA1")
	if rec.RecordingReference != "https://api.twilio.com/rec/RE1" {
		t.Fatalf("expected recording reference, got %q", rec.RecordingReference)
	}
}

func TestHandleResponse_MissingRecordingIsPersistedAsFailure(t *testing.T) {
	f := newHandlerFixture(t, nil)

	w := f.post(PathHandleResponse, url.Values{"CallSid": {"CA2"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(f.pipeline.started) != 0 {
		t.Fatalf("expected no pipeline run")
	}
	rec, err := f.store.FindByCallSid(context.Background(), "CA2")
	if err != nil {
		t.Fatalf("expected record, got %v", err)
	}
	if !rec.ProcessingComplete || rec.TranscriptionError == "" {
		t.Fatalf("expected failure record, got %+v", rec)
	}
}

type fakeLocator map[string]string

func (f fakeLocator) RecordingURIForCall(_ context.Context, callSid string) (string, error) {
	return f[callSid], nil
}

func TestHandleResponse_LooksUpMissingRecording(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.handler.Recordings = fakeLocator{"CA9": "https://api.twilio.com/2010-04-01/Accounts/AC1/Recordings/RE9"}
	f.router.POST("/lookup", f.handler.HandleResponse)

	if w := f.post("/lookup", url.Values{"CallSid": {"CA9"}}); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(f.pipeline.started) != 1 || !strings.HasSuffix(f.pipeline.started[0][0], "/RE9") {
		t.Fatalf("expected pipeline started with looked-up recording, got %+v", f.pipeline.started)
	}
}

func TestHandleResponse_RequiresCallSid(t *testing.T) {
	f := newHandlerFixture(t, nil)
	if w := f.post(PathHandleResponse, url.Values{"RecordingUrl": {"x"}}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCallStatus_NoAnswerTriggersFallback(t *testing.T) {
	f := newHandlerFixture(t, nil)

	w := f.post(PathCallStatus, url.Values{"CallSid": {"CA3"}, "To": {"+15550001111"}, "CallStatus": {"no-answer"}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(f.fallback.seen) != 1 {
		t.Fatalf("expected fallback, got %d", len(f.fallback.seen))
	}
	got := f.fallback.seen[0]
	if got.CallSid != "CA3" || got.Status != calls.StatusNoAnswer || got.To != "+15550001111" {
		t.Fatalf("unexpected fallback record %+v", got)
	}
}

func TestCallStatus_CompletedUpdatesOnly(t *testing.T) {
	f := newHandlerFixture(t, nil)
	ctx := context.Background()
	if _, err := f.store.Create(ctx, calls.CallRecord{CallSid: "CA4", To: "+1", Status: calls.StatusQueued, Attempt: calls.AttemptReminder}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	f.post(PathCallStatus, url.Values{"CallSid": {"CA4"}, "CallStatus": {"completed"}})
	if len(f.fallback.seen) != 0 {
		t.Fatalf("expected no fallback")
	}
	rec, _ := f.store.FindByCallSid(ctx, "CA4")
	if rec.Status != calls.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
}

func TestVoicemail_ReadsScriptAndHangsUp(t *testing.T) {
	f := newHandlerFixture(t, nil)
	body := f.post(PathVoicemail, url.Values{"CallSid": {"CA5"}}).Body.String()
	if !strings.Contains(body, config.DefaultScript().Voicemail) || !strings.Contains(body, "<Hangup>") {
		t.Fatalf("unexpected voicemail twiml: %s", body)
	}
}

func TestCallStatus_RepeatedCallbackDoesNotCascadeTwice(t *testing.T) {
	f := newHandlerFixture(t, nil)
	form := url.Values{"CallSid": {"CA6"}, "To": {"+15550001111"}, "CallStatus": {"busy"}}

	f.post(PathCallStatus, form)
	f.post(PathCallStatus, form)
	if len(f.fallback.seen) != 1 {
		t.Fatalf("expected one cascade, got %d", len(f.fallback.seen))
	}
}
