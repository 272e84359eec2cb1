package telephony

import (
	"net/http"
	"strings"
)

// WebhookForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
type WebhookForm struct {
	CallSid           string
	AccountSid        string
	From              string
	To                string
	Direction         string
	CallStatus        string
	RecordingURL      string
	RecordingSid      string
	RecordingDuration string
}

func ParseWebhook(r *http.Request) (WebhookForm, error) {
	if err := r.ParseForm(); err != nil {
		return WebhookForm{}, err
	}
	f := WebhookForm{
		CallSid:           strings.TrimSpace(r.PostFormValue("CallSid")),
		AccountSid:        r.PostFormValue("AccountSid"),
		From:              normalizePhone(r.PostFormValue("From")),
		To:                normalizePhone(r.PostFormValue("To")),
		Direction:         r.PostFormValue("Direction"),
		CallStatus:        strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		RecordingURL:      strings.TrimSpace(r.PostFormValue("RecordingUrl")),
		RecordingSid:      r.PostFormValue("RecordingSid"),
		RecordingDuration: r.PostFormValue("RecordingDuration"),
	}
	return f, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}
