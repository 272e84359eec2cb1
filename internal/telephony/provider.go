package telephony

import "context"

// Provider defines the provider-agnostic telephony operations used by the
// reminder flow.
//
// Rules:
// - No provider HTTP calls outside telephony adapters.
// - Keep request/response types provider-agnostic.
type Provider interface {
	// PlaceReminderCall dials the patient and points the call at the
	// scripted prompt that records their answer.
	PlaceReminderCall(ctx context.Context, to string) (CallResult, error)

	// PlaceVoicemailCall dials with a short ring timeout so an unanswered
	// call lands in voicemail, then plays the voicemail script.
	PlaceVoicemailCall(ctx context.Context, to string) (CallResult, error)

	SendSMS(ctx context.Context, to, body string) (MessageResult, error)

	// FetchRecordingMediaURL resolves a recording id to its canonical media URL.
	FetchRecordingMediaURL(ctx context.Context, recordingID string) (string, error)

	// DownloadMedia performs an authenticated GET. Non-2xx responses are errors.
	DownloadMedia(ctx context.Context, url string) ([]byte, string, error)
}

// CallResult is what the provider reports when a call is created.
type CallResult struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

type MessageResult struct {
	Sid    string `json:"sid"`
	Status string `json:"status"`
}

// Webhook paths the provider is told to call back on.
const (
	PathVoiceResponse  = "/twilio/voice-response"
	PathHandleResponse = "/twilio/handle-response"
	PathCallStatus     = "/twilio/call-status"
	PathVoicemail      = "/twilio/voicemail"
	PathIncomingCall   = "/twilio/incoming-call"
	PathAudio          = "/audio"
)
