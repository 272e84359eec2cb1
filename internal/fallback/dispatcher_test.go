package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"medication-reminder/internal/audit"
	"medication-reminder/internal/calls"
	"medication-reminder/internal/telephony"
)

type fakeDialer struct {
	vmErr  error
	smsErr error

	voicemails []string
	sms        []string
	smsBody    string
}

func (f *fakeDialer) PlaceVoicemailCall(ctx context.Context, to string) (telephony.CallResult, error) {
	f.voicemails = append(f.voicemails, to)
	if f.vmErr != nil {
		return telephony.CallResult{}, f.vmErr
	}
	return telephony.CallResult{Sid: "CAvm", Status: "queued"}, nil
}

func (f *fakeDialer) SendSMS(ctx context.Context, to, body string) (telephony.MessageResult, error) {
	f.sms = append(f.sms, to)
	f.smsBody = body
	if f.smsErr != nil {
		return telephony.MessageResult{}, f.smsErr
	}
	return telephony.MessageResult{Sid: "SM1"}, nil
}

func reminder(status calls.Status) calls.CallRecord {
	return calls.CallRecord{CallSid: "CA1", To: "+15550001111", From: "+15559990000", Status: status, Attempt: calls.AttemptReminder}
}

func TestHandleOutcome_IgnoresAnsweredCalls(t *testing.T) {
	d := &fakeDialer{}
	disp := NewDispatcher(d, calls.NewMemoryStore(), "sms")
	for _, s := range []calls.Status{calls.StatusCompleted, calls.StatusInProgress, calls.StatusRinging} {
		if err := disp.HandleOutcome(context.Background(), reminder(s)); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}
	if len(d.voicemails) != 0 || len(d.sms) != 0 {
		t.Fatalf("expected no fallback for answered calls")
	}
}

func TestHandleOutcome_PlacesVoicemailAndRegistersIt(t *testing.T) {
	d := &fakeDialer{}
	store := calls.NewMemoryStore()
	repo := audit.NewMemoryRepo()
	disp := NewDispatcher(d, store, "sms")
	disp.Audit = audit.NewService(repo)

	for _, s := range []calls.Status{calls.StatusNoAnswer, calls.StatusBusy, calls.StatusFailed, calls.StatusCanceled} {
		d.voicemails = nil
		if err := disp.HandleOutcome(context.Background(), reminder(s)); err != nil {
			t.Fatalf("%s: unexpected err: %v", s, err)
		}
		if len(d.voicemails) != 1 || len(d.sms) != 0 {
			t.Fatalf("%s: expected voicemail only, got vm=%v sms=%v", s, d.voicemails, d.sms)
		}
	}

	vm, err := store.FindByCallSid(context.Background(), "CAvm")
	if err != nil {
		t.Fatalf("expected voicemail record: %v", err)
	}
	if vm.Attempt != calls.AttemptVoicemail || vm.To != "+15550001111" {
		t.Fatalf("unexpected voicemail record %+v", vm)
	}
	if evs := repo.ForCall("CA1"); len(evs) == 0 || evs[0].Type != audit.EventTypeVoicemailPlaced {
		t.Fatalf("expected voicemail audit event, got %+v", evs)
	}
}

func TestHandleOutcome_MarksEarlyVoicemailRecord(t *testing.T) {
	store := calls.NewMemoryStore()
	if _, err := store.Create(context.Background(), calls.CallRecord{CallSid: "CAvm", Status: calls.StatusRinging, Attempt: calls.AttemptReminder}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	disp := NewDispatcher(&fakeDialer{}, store, "sms")

	if err := disp.HandleOutcome(context.Background(), reminder(calls.StatusNoAnswer)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	vm, err := store.FindByCallSid(context.Background(), "CAvm")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if vm.Attempt != calls.AttemptVoicemail || vm.Status != calls.StatusRinging {
		t.Fatalf("expected voicemail attempt with status kept, got %+v", vm)
	}
}

func TestHandleOutcome_FallsBackToSMS(t *testing.T) {
	d := &fakeDialer{vmErr: errors.New("twilio 500")}
	disp := NewDispatcher(d, calls.NewMemoryStore(), "We called to check on your medication")

	if err := disp.HandleOutcome(context.Background(), reminder(calls.StatusNoAnswer)); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(d.sms) != 1 || d.smsBody != "We called to check on your medication" {
		t.Fatalf("expected sms with configured body, got %v %q", d.sms, d.smsBody)
	}
}

func TestHandleOutcome_CascadeExhausted(t *testing.T) {
	d := &fakeDialer{vmErr: errors.New("vm down"), smsErr: errors.New("sms down")}
	repo := audit.NewMemoryRepo()
	disp := NewDispatcher(d, calls.NewMemoryStore(), "sms")
	disp.Audit = audit.NewService(repo)

	err := disp.HandleOutcome(context.Background(), reminder(calls.StatusBusy))
	if !errors.Is(err, ErrCascadeExhausted) {
		t.Fatalf("expected ErrCascadeExhausted, got %v", err)
	}
	if len(d.voicemails) != 1 || len(d.sms) != 1 {
		t.Fatalf("expected exactly one attempt of each, got vm=%d sms=%d", len(d.voicemails), len(d.sms))
	}
	evs := repo.ForCall("CA1")
	if len(evs) != 1 || evs[0].Type != audit.EventTypeFallbackExhausted {
		t.Fatalf("expected exhausted audit event, got %+v", evs)
	}
}

func TestHandleOutcome_VoicemailAttemptDoesNotCascade(t *testing.T) {
	d := &fakeDialer{}
	disp := NewDispatcher(d, calls.NewMemoryStore(), "sms")
	rec := reminder(calls.StatusNoAnswer)
	rec.Attempt = calls.AttemptVoicemail

	if err := disp.HandleOutcome(context.Background(), rec); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(d.voicemails) != 0 || len(d.sms) != 0 {
		t.Fatalf("expected no fallback for a voicemail attempt")
	}
}

type slowDialer struct {
	fakeDialer
	release chan struct{}
}

func (s *slowDialer) PlaceVoicemailCall(ctx context.Context, to string) (telephony.CallResult, error) {
	select {
	case <-s.release:
	case <-ctx.Done():
		return telephony.CallResult{}, ctx.Err()
	}
	return s.fakeDialer.PlaceVoicemailCall(ctx, to)
}

func TestStart_RunsDetachedFromCaller(t *testing.T) {
	d := &slowDialer{release: make(chan struct{})}
	disp := NewDispatcher(d, calls.NewMemoryStore(), "sms")

	ctx, cancel := context.WithCancel(context.Background())
	done := disp.Start(ctx, reminder(calls.StatusNoAnswer))
	// The webhook request ends while the voicemail call is still dialing.
	cancel()

	select {
	case err := <-done:
		t.Fatalf("Start waited for the cascade: %v", err)
	default:
	}

	close(d.release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cascade did not finish")
	}
	if len(d.voicemails) != 1 {
		t.Fatalf("expected one voicemail call, got %v", d.voicemails)
	}
}

func TestShutdown_WaitsThenRejects(t *testing.T) {
	d := &slowDialer{release: make(chan struct{})}
	disp := NewDispatcher(d, calls.NewMemoryStore(), "sms")
	done := disp.Start(context.Background(), reminder(calls.StatusBusy))

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := disp.Shutdown(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected shutdown to wait for the running cascade, got %v", err)
	}

	close(d.release)
	if err := disp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("cascade err: %v", err)
	}
	if err := <-disp.Start(context.Background(), reminder(calls.StatusBusy)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}
