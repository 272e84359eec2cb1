package telephony

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"medication-reminder/internal/calls"
	"medication-reminder/internal/config"
	"medication-reminder/internal/pipeline"
	"medication-reminder/internal/speech"
	"medication-reminder/pkg/logger"
)

// PromptRenderer turns prompt text into a playable clip.
type PromptRenderer interface {
	Synthesize(ctx context.Context, text string) (speech.Clip, error)
}

// ResponseProcessor starts the response pipeline without waiting for it.
type ResponseProcessor interface {
	Start(ctx context.Context, recordingRef, callSid string) *pipeline.Task
}

// OutcomeHandler reacts to a call's final status without blocking the
// webhook.
type OutcomeHandler interface {
	Start(ctx context.Context, rec calls.CallRecord) <-chan error
}

// RecordingLocator finds a call's recording when the webhook omitted it.
type RecordingLocator interface {
	RecordingURIForCall(ctx context.Context, callSid string) (string, error)
}

// WebhookHandler converts Twilio webhooks to internal calls and writes TwiML.
//
// No business logic here.
// NOTE: These endpoints should be protected by Twilio signature validation in production.
type WebhookHandler struct {
	Script        config.Script
	PublicBaseURL string

	// Prompts is optional; without it the built-in voice reads the script.
	Prompts  PromptRenderer
	Store    calls.Store
	Pipeline ResponseProcessor
	Fallback OutcomeHandler

	// Recordings is optional.
	Recordings RecordingLocator
}

// VoiceResponse plays the reminder prompt and records the patient's answer.
func (h WebhookHandler) VoiceResponse(c *gin.Context) {
	tw := NewTwiML()
	h.prompt(c, tw, h.Script.Prompt)
	tw.Record(PatientRecordOptions())
	h.writeTwiML(c, tw)
}

// IncomingCall serves patients who call the reminder number themselves.
func (h WebhookHandler) IncomingCall(c *gin.Context) {
	log := logger.FromGin(c)
	form, err := ParseWebhook(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if form.CallSid != "" {
		h.ensureRecord(c.Request.Context(), form)
	}

	tw := NewTwiML()
	h.prompt(c, tw, h.Script.Incoming)
	tw.Record(PatientRecordOptions())
	h.writeTwiML(c, tw)
}

// HandleResponse receives the finished recording, starts the pipeline in
// the background and thanks the caller.
func (h WebhookHandler) HandleResponse(c *gin.Context) {
	log := logger.FromGin(c)
	form, err := ParseWebhook(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio recording webhook invalid", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	ctx := logger.WithCall(c.Request.Context(), form.CallSid)
	log = logger.From(ctx)

	h.ensureRecord(ctx, form)
	if form.RecordingURL == "" && h.Recordings != nil {
		ref, err := h.Recordings.RecordingURIForCall(ctx, form.CallSid)
		if err != nil {
			log.Warn("recording lookup failed", "err", err)
		}
		form.RecordingURL = ref
	}
	if form.RecordingURL == "" {
		log.Warn("recording webhook without RecordingUrl")
		if _, err := h.Store.Update(ctx, form.CallSid, calls.Failure("no recording reference received")); err != nil {
			log.Warn("call record update failed", "err", err)
		}
	} else {
		if _, err := h.Store.Update(ctx, form.CallSid, calls.Update{RecordingReference: calls.StringPtr(form.RecordingURL)}); err != nil {
			log.Warn("call record update failed", "err", err)
		}
		if h.Pipeline != nil {
			h.Pipeline.Start(ctx, form.RecordingURL, form.CallSid)
		}
	}

	tw := NewTwiML().Say("", h.Script.ThankYou).Hangup()
	h.writeTwiML(c, tw)
}

// CallStatus records status callbacks and triggers the fallback cascade for
// unanswered reminder calls.
func (h WebhookHandler) CallStatus(c *gin.Context) {
	log := logger.FromGin(c)
	form, err := ParseWebhook(c.Request)
	if err != nil || form.CallSid == "" {
		log.Warn("twilio status webhook invalid", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	ctx := logger.WithCall(c.Request.Context(), form.CallSid)
	log = logger.From(ctx)

	rec, created, err := h.ensureRecord(ctx, form)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}
	changed := created
	if form.CallStatus != "" && calls.Status(form.CallStatus) != rec.Status {
		changed = true
		rec, err = h.Store.Update(ctx, form.CallSid, calls.Update{Status: calls.StatusPtr(calls.Status(form.CallStatus))})
		if err != nil {
			log.Error("call status update failed", "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
			return
		}
	}
	log.Info("call status received", "call_status", rec.Status, "attempt", rec.Attempt)

	// Providers may repeat a callback; only a transition starts the cascade.
	if h.Fallback != nil && changed && rec.Status.IsTerminalFailure() {
		h.Fallback.Start(ctx, rec)
	}
	c.Status(http.StatusOK)
}

// Voicemail is the script played when the voicemail call connects.
func (h WebhookHandler) Voicemail(c *gin.Context) {
	tw := NewTwiML()
	h.prompt(c, tw, h.Script.Voicemail)
	tw.Hangup()
	h.writeTwiML(c, tw)
}

// prompt plays synthesized audio when available and falls back to the
// built-in voice.
func (h WebhookHandler) prompt(c *gin.Context, tw *TwiML, text string) {
	if h.Prompts != nil {
		clip, err := h.Prompts.Synthesize(c.Request.Context(), text)
		if err == nil {
			tw.Play(h.PublicBaseURL + PathAudio + "/" + clip.FileName)
			return
		}
		logger.FromGin(c).Warn("prompt synthesis failed, using built-in voice", "err", err)
	}
	tw.Say(VoiceAlice, text)
}

// ensureRecord returns the record for the webhook's CallSid, creating it on
// first sight. created reports whether this call made the record.
func (h WebhookHandler) ensureRecord(ctx context.Context, form WebhookForm) (rec calls.CallRecord, created bool, err error) {
	log := logger.From(ctx)
	rec, err = h.Store.FindByCallSid(ctx, form.CallSid)
	if err == nil {
		return rec, false, nil
	}
	if !errors.Is(err, calls.ErrNotFound) {
		log.Error("call record lookup failed", "err", err)
		return calls.CallRecord{}, false, err
	}

	status := calls.Status(form.CallStatus)
	if status == "" {
		status = calls.StatusInProgress
	}
	rec, err = h.Store.Create(ctx, calls.CallRecord{
		CallSid: form.CallSid,
		To:      form.To,
		From:    form.From,
		Status:  status,
		Attempt: calls.AttemptReminder,
	})
	if errors.Is(err, calls.ErrAlreadyExists) {
		rec, err = h.Store.FindByCallSid(ctx, form.CallSid)
		return rec, false, err
	}
	if err != nil {
		log.Error("call record create failed", "err", err)
		return calls.CallRecord{}, false, err
	}
	return rec, true, nil
}

func (h WebhookHandler) writeTwiML(c *gin.Context, tw *TwiML) {
	out, err := tw.Render()
	if err != nil {
		logger.FromGin(c).Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "text/xml")
	c.String(http.StatusOK, out)
}
