package telephony

import (
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
	defaultTwilioBaseURL  = "https://api.twilio.com"
	twilioAPIVersion      = "2010-04-01"
	voicemailRingTimeout  = 15
	defaultTwilioDeadline = 20 * time.Second
)

// ErrProvider marks failures reported by the provider's API.
var ErrProvider = errors.New("telephony: provider error")

// TwilioConfig holds the account credentials and the public origin Twilio
// calls back into.
type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	FromNumber    string
	APIBaseURL    string
	PublicBaseURL string
}

// TwilioClient talks to the Twilio REST API with basic auth and
// form-encoded requests. It implements Provider.
type TwilioClient struct {
	cfg         TwilioConfig
	http        *http.Client
	retryWindow time.Duration
}

func NewTwilioClient(cfg TwilioConfig, hc *http.Client) (*TwilioClient, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio credentials required")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("telephony: twilio from number required")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultTwilioBaseURL
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if hc == nil {
		hc = &http.Client{Timeout: defaultTwilioDeadline}
	}
	return &TwilioClient{cfg: cfg, http: hc, retryWindow: 10 * time.Second}, nil
}

func (c *TwilioClient) PlaceReminderCall(ctx context.Context, to string) (CallResult, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Url", c.cfg.PublicBaseURL+PathVoiceResponse)
	form.Set("StatusCallback", c.cfg.PublicBaseURL+PathCallStatus)
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"completed", "no-answer", "busy", "failed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	return c.createCall(ctx, form)
}

func (c *TwilioClient) PlaceVoicemailCall(ctx context.Context, to string) (CallResult, error) {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Url", c.cfg.PublicBaseURL+PathVoicemail)
	form.Set("StatusCallback", c.cfg.PublicBaseURL+PathCallStatus)
	form.Set("StatusCallbackMethod", http.MethodPost)
	form.Add("StatusCallbackEvent", "completed")
	form.Set("Timeout", fmt.Sprint(voicemailRingTimeout))
	return c.createCall(ctx, form)
}

func (c *TwilioClient) createCall(ctx context.Context, form url.Values) (CallResult, error) {
	if strings.TrimSpace(form.Get("To")) == "" {
		return CallResult{}, errors.New("telephony: destination number required")
	}
	var out CallResult
	if err := c.postForm(ctx, c.accountURL("/Calls.json"), form, &out); err != nil {
		return CallResult{}, err
	}
	return out, nil
}

func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) (MessageResult, error) {
	if strings.TrimSpace(to) == "" {
		return MessageResult{}, errors.New("telephony: destination number required")
	}
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)

	var out MessageResult
	if err := c.postForm(ctx, c.accountURL("/Messages.json"), form, &out); err != nil {
		return MessageResult{}, err
	}
	return out, nil
}

type recordingResource struct {
	Sid string `json:"sid"`
	URI string `json:"uri"`
}

// FetchRecordingMediaURL reads the recording resource and derives the mp3
// media URL from its uri.
func (c *TwilioClient) FetchRecordingMediaURL(ctx context.Context, recordingID string) (string, error) {
	if recordingID == "" {
		return "", errors.New("telephony: recording id required")
	}
	var rec recordingResource
	if err := c.getJSON(ctx, c.accountURL("/Recordings/"+url.PathEscape(recordingID)+".json"), &rec); err != nil {
		return "", err
	}
	uri := rec.URI
	if uri == "" {
		uri = "/" + twilioAPIVersion + "/Accounts/" + c.cfg.AccountSID + "/Recordings/" + recordingID + ".json"
	}
	return c.cfg.APIBaseURL + strings.TrimSuffix(uri, ".json") + ".mp3", nil
}

// RecordingURIForCall returns the media URL of the newest recording on a call,
// or "" when the call has none.
func (c *TwilioClient) RecordingURIForCall(ctx context.Context, callSid string) (string, error) {
	u := c.accountURL("/Recordings.json") + "?" + url.Values{"CallSid": {callSid}, "PageSize": {"1"}}.Encode()
	var page struct {
		Recordings []recordingResource `json:"recordings"`
	}
	if err := c.getJSON(ctx, u, &page); err != nil {
		return "", err
	}
	if len(page.Recordings) == 0 {
		return "", nil
	}
	return c.cfg.APIBaseURL + strings.TrimSuffix(page.Recordings[0].URI, ".json"), nil
}

func (c *TwilioClient) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	var (
		body  []byte
		ctype string
	)
	err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	}, func(resp *http.Response, b []byte) error {
		body, ctype = b, resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return body, ctype, nil
}

func (c *TwilioClient) accountURL(suffix string) string {
	return c.cfg.APIBaseURL + "/" + twilioAPIVersion + "/Accounts/" + url.PathEscape(c.cfg.AccountSID) + suffix
}

func (c *TwilioClient) postForm(ctx context.Context, endpoint string, form url.Values, out any) error {
	encoded := form.Encode()
	return c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}, decodeInto(out))
}

func (c *TwilioClient) getJSON(ctx context.Context, endpoint string, out any) error {
	return c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	}, decodeInto(out))
}

func decodeInto(out any) func(*http.Response, []byte) error {
	return func(_ *http.Response, b []byte) error {
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("telephony: decode response: %w", err)
		}
		return nil
	}
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// do sends an authenticated request, retrying network errors and 5xx/429
// responses until the retry window closes.
func (c *TwilioClient) do(ctx context.Context, build func() (*http.Request, error), handle func(*http.Response, []byte) error) error {
	op := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 300 {
			var te twilioError
			_ = json.Unmarshal(b, &te)
			msg := te.Message
			if msg == "" {
				msg = http.StatusText(resp.StatusCode)
			}
			perr := fmt.Errorf("%w: %s %s: status %d: %s", ErrProvider, req.Method, req.URL.Path, resp.StatusCode, msg)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return perr
			}
			return backoff.Permanent(perr)
		}
		if err := handle(resp, b); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.retryWindow
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
