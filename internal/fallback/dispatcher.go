// Package fallback reacts to reminder calls that never reached the patient:
// first a voicemail call, then an SMS, then nothing.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"medication-reminder/internal/audit"
	"medication-reminder/internal/calls"
	"medication-reminder/internal/observe"
	"medication-reminder/internal/telephony"
	"medication-reminder/pkg/logger"
)

var (
	ErrCascadeExhausted = errors.New("fallback: voicemail and sms both failed")
	ErrClosed           = errors.New("fallback: dispatcher is shut down")
)

// Dialer is the part of the telephony provider the cascade uses.
type Dialer interface {
	PlaceVoicemailCall(ctx context.Context, to string) (telephony.CallResult, error)
	SendSMS(ctx context.Context, to, body string) (telephony.MessageResult, error)
}

type Dispatcher struct {
	dialer  Dialer
	store   calls.Store
	smsBody string

	Audit   *audit.Service
	Metrics *observe.Metrics

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

func NewDispatcher(d Dialer, store calls.Store, smsBody string) *Dispatcher {
	return &Dispatcher{dialer: d, store: store, smsBody: smsBody}
}

// Start runs HandleOutcome in the background so a status webhook can answer
// before the provider calls finish. The run keeps ctx's values but not its
// cancellation. The returned channel yields the cascade's result.
func (d *Dispatcher) Start(ctx context.Context, rec calls.CallRecord) <-chan error {
	done := make(chan error, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		logger.From(ctx).Warn("fallback rejected after shutdown", "call_sid", rec.CallSid)
		done <- ErrClosed
		return done
	}
	d.wg.Add(1)
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		err := d.HandleOutcome(runCtx, rec)
		if err != nil {
			logger.From(runCtx).Error("fallback failed", "call_sid", rec.CallSid, "err", err)
		}
		done <- err
	}()
	return done
}

// Shutdown stops accepting cascades and waits for running ones.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOutcome runs the cascade for a reminder call that ended as
// no-answer, busy, failed or canceled. Other statuses and voicemail
// attempts are ignored. The voicemail call is registered as its own record
// so its status callbacks do not trigger another cascade.
func (d *Dispatcher) HandleOutcome(ctx context.Context, rec calls.CallRecord) error {
	log := logger.From(ctx).With("call_sid", rec.CallSid, "call_status", rec.Status)

	if !rec.Status.IsTerminalFailure() {
		return nil
	}
	if rec.Attempt >= calls.AttemptVoicemail {
		log.Info("voicemail attempt ended unanswered, no further fallback")
		return nil
	}
	if rec.To == "" {
		return fmt.Errorf("fallback: call %s has no destination number", rec.CallSid)
	}

	vm, vmErr := d.dialer.PlaceVoicemailCall(ctx, rec.To)
	d.Metrics.FallbackStep(ctx, "voicemail", vmErr == nil)
	if vmErr == nil {
		log.Info("voicemail call placed", "voicemail_call_sid", vm.Sid)
		d.recordAudit(ctx, rec.CallSid, audit.EventTypeVoicemailPlaced, "voicemail call "+vm.Sid)
		d.registerVoicemail(ctx, rec, vm)
		return nil
	}
	log.Warn("voicemail call failed, sending sms", "err", vmErr)

	msg, smsErr := d.dialer.SendSMS(ctx, rec.To, d.smsBody)
	d.Metrics.FallbackStep(ctx, "sms", smsErr == nil)
	if smsErr == nil {
		log.Info("fallback sms sent", "message_sid", msg.Sid)
		d.recordAudit(ctx, rec.CallSid, audit.EventTypeSMSSent, "sms "+msg.Sid)
		return nil
	}

	log.Error("fallback cascade exhausted", "voicemail_err", vmErr, "sms_err", smsErr)
	d.recordAudit(ctx, rec.CallSid, audit.EventTypeFallbackExhausted, smsErr.Error())
	return fmt.Errorf("%w: %w", ErrCascadeExhausted, errors.Join(vmErr, smsErr))
}

func (d *Dispatcher) registerVoicemail(ctx context.Context, rec calls.CallRecord, vm telephony.CallResult) {
	if d.store == nil || vm.Sid == "" {
		return
	}
	status := calls.Status(vm.Status)
	if status == "" {
		status = calls.StatusQueued
	}
	_, err := d.store.Create(ctx, calls.CallRecord{
		CallSid: vm.Sid,
		To:      rec.To,
		From:    rec.From,
		Status:  status,
		Attempt: calls.AttemptVoicemail,
	})
	if errors.Is(err, calls.ErrAlreadyExists) {
		// A status callback for the voicemail call got here first.
		_, err = d.store.Update(ctx, vm.Sid, calls.Update{Attempt: calls.AttemptPtr(calls.AttemptVoicemail)})
	}
	if err != nil {
		logger.From(ctx).Warn("voicemail call record not registered", "voicemail_call_sid", vm.Sid, "err", err)
	}
}

func (d *Dispatcher) recordAudit(ctx context.Context, callSid string, t audit.EventType, msg string) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.LogFallback(ctx, callSid, t, msg); err != nil {
		logger.From(ctx).Warn("audit append failed", "err", err)
	}
}
