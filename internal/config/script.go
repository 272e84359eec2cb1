package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Script is the wording and medication list a reminder call uses.
type Script struct {
	Medications []string `yaml:"medications"`
	Prompt      string   `yaml:"prompt"`
	Voicemail   string   `yaml:"voicemail"`
	SMS         string   `yaml:"sms"`
	ThankYou    string   `yaml:"thank_you"`
	Incoming    string   `yaml:"incoming"`
}

func DefaultScript() Script {
	return Script{
		Medications: []string{"Aspirin", "Cardivol", "Metformin"},
		Prompt:      "Hello, this is a reminder from your healthcare provider to confirm your medications for the day. Please confirm if you have taken your Aspirin, Cardivol, and Metformin today.",
		Voicemail:   "Hello, this is your healthcare provider calling to remind you to take your Aspirin, Cardivol, and Metformin today. Please call us back if you have any questions.",
		SMS:         "We called to check on your medication but couldn't reach you. Please call us back or take your medications if you haven't done so.",
		ThankYou:    "Thank you for your response. Goodbye.",
		Incoming:    "Hello, this is a reminder from your healthcare provider. Have you taken your medications today? Please confirm if you have taken your Aspirin, Cardivol, and Metformin.",
	}
}

// LoadScript returns DefaultScript overlaid with any non-empty fields from
// the YAML file at path. An empty path yields the defaults.
func LoadScript(path string) (Script, error) {
	if path == "" {
		return DefaultScript(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("REMINDER_CONFIG_PATH: %w", err)
	}
	return ParseScript(raw)
}

func ParseScript(raw []byte) (Script, error) {
	var overlay Script
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return Script{}, fmt.Errorf("reminder script: %w", err)
	}
	s := overlay.withDefaults()
	seen := make(map[string]struct{}, len(s.Medications))
	for _, m := range s.Medications {
		key := strings.ToLower(strings.TrimSpace(m))
		if key == "" {
			return Script{}, errors.New("reminder script: medication names must be non-empty")
		}
		if _, dup := seen[key]; dup {
			return Script{}, fmt.Errorf("reminder script: duplicate medication %q", m)
		}
		seen[key] = struct{}{}
	}
	return s, nil
}

func (s Script) withDefaults() Script {
	d := DefaultScript()
	if len(s.Medications) > 0 {
		d.Medications = append([]string(nil), s.Medications...)
	}
	if s.Prompt != "" {
		d.Prompt = s.Prompt
	}
	if s.Voicemail != "" {
		d.Voicemail = s.Voicemail
	}
	if s.SMS != "" {
		d.SMS = s.SMS
	}
	if s.ThankYou != "" {
		d.ThankYou = s.ThankYou
	}
	if s.Incoming != "" {
		d.Incoming = s.Incoming
	}
	return d
}
