package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strconv"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives we need at the adapter boundary.
type TwiML struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlRecord struct {
	XMLName    xml.Name `xml:"Record"`
	Action     string   `xml:"action,attr,omitempty"`
	Method     string   `xml:"method,attr,omitempty"`
	MaxLength  string   `xml:"maxLength,attr,omitempty"`
	Trim       string   `xml:"trim,attr,omitempty"`
	PlayBeep   string   `xml:"playBeep,attr,omitempty"`
	Transcribe string   `xml:"transcribe,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// VoiceAlice is the built-in voice used when synthesized audio is unavailable.
const VoiceAlice = "alice"

// RecordOptions configures the <Record> verb.
type RecordOptions struct {
	Action      string
	MaxLength   int
	TrimSilence bool
	PlayBeep    bool
}

// PatientRecordOptions is the recording setup for a patient's spoken answer.
func PatientRecordOptions() RecordOptions {
	return RecordOptions{Action: PathHandleResponse, MaxLength: 30, TrimSilence: true, PlayBeep: true}
}

func NewTwiML() *TwiML { return &TwiML{} }

func (t *TwiML) Play(url string) *TwiML {
	t.Verbs = append(t.Verbs, twimlPlay{URL: url})
	return t
}

func (t *TwiML) Say(voice, text string) *TwiML {
	t.Verbs = append(t.Verbs, twimlSay{Voice: voice, Text: text})
	return t
}

func (t *TwiML) Record(o RecordOptions) *TwiML {
	r := twimlRecord{Action: o.Action, Method: "POST", Transcribe: "false"}
	if o.MaxLength > 0 {
		r.MaxLength = strconv.Itoa(o.MaxLength)
	}
	if o.TrimSilence {
		r.Trim = "trim-silence"
	}
	if o.PlayBeep {
		r.PlayBeep = "true"
	}
	t.Verbs = append(t.Verbs, r)
	return t
}

func (t *TwiML) Hangup() *TwiML {
	t.Verbs = append(t.Verbs, twimlHangup{})
	return t
}

// Render encodes the response document with an XML header.
func (t *TwiML) Render() (string, error) {
	if len(t.Verbs) == 0 {
		return "", errors.New("telephony: empty twiml response")
	}
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(t); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
