package calls

import "time"

// CallRecord is one call attempt and everything derived from the patient's
// recorded response.
//
// Invariants:
// - CallSid is unique; a record is never re-created for the same CallSid.
// - TranscriptionError and PatientResponseText are mutually exclusive.
// - ProcessingComplete flips to true exactly once per pipeline run.
type CallRecord struct {
	ID      string `json:"id" db:"id"`
	CallSid string `json:"callSid" db:"call_sid"`

	To   string `json:"to,omitempty" db:"to_number"`
	From string `json:"from,omitempty" db:"from_number"`

	Status  Status `json:"status" db:"status"`
	Attempt Attempt `json:"attempt" db:"attempt"`

	RecordingReference  string    `json:"recordingUrl,omitempty" db:"recording_reference"`
	PatientResponseText *string   `json:"patientResponse,omitempty" db:"patient_response_text"`
	MedicationStatus    StatusMap `json:"medicationStatus,omitempty" db:"medication_status"`
	TranscriptionError  string    `json:"transcriptionError,omitempty" db:"transcription_error"`
	ProcessingComplete  bool      `json:"processingComplete" db:"processing_complete"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Status uses the provider's hyphenated call status vocabulary.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInitiated  Status = "initiated"
	StatusRinging    Status = "ringing"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusNoAnswer   Status = "no-answer"
	StatusBusy       Status = "busy"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// IsTerminalFailure reports whether the call ended without reaching the patient.
func (s Status) IsTerminalFailure() bool {
	switch s {
	case StatusNoAnswer, StatusBusy, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Attempt distinguishes the scripted reminder call from the voicemail follow-up.
type Attempt int

const (
	AttemptReminder  Attempt = 1
	AttemptVoicemail Attempt = 2
)

type MedicationStatus string

const (
	MedicationTaken    MedicationStatus = "taken"
	MedicationNotTaken MedicationStatus = "not taken"
	MedicationUnknown  MedicationStatus = "unknown"
)

func (m MedicationStatus) Valid() bool {
	switch m {
	case MedicationTaken, MedicationNotTaken, MedicationUnknown:
		return true
	default:
		return false
	}
}

// StatusMap is keyed by lowercase medication name.
type StatusMap map[string]MedicationStatus

func (m StatusMap) Clone() StatusMap {
	if m == nil {
		return nil
	}
	out := make(StatusMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Update is a partial patch. Nil fields are left untouched.
type Update struct {
	Status              *Status
	Attempt             *Attempt
	RecordingReference  *string
	PatientResponseText *string
	MedicationStatus    StatusMap
	TranscriptionError  *string
	ProcessingComplete  *bool
}

func (u Update) Empty() bool {
	return u.Status == nil && u.Attempt == nil && u.RecordingReference == nil && u.PatientResponseText == nil &&
		u.MedicationStatus == nil && u.TranscriptionError == nil && u.ProcessingComplete == nil
}

// Apply merges u into r and refreshes UpdatedAt.
func (u Update) Apply(r *CallRecord, now time.Time) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Attempt != nil {
		r.Attempt = *u.Attempt
	}
	if u.RecordingReference != nil {
		r.RecordingReference = *u.RecordingReference
	}
	// A transcript and a transcription error never coexist; the newer one wins.
	if u.PatientResponseText != nil {
		text := *u.PatientResponseText
		r.PatientResponseText = &text
		r.TranscriptionError = ""
	}
	if u.MedicationStatus != nil {
		r.MedicationStatus = u.MedicationStatus.Clone()
	}
	if u.TranscriptionError != nil {
		r.TranscriptionError = *u.TranscriptionError
		if r.TranscriptionError != "" {
			r.PatientResponseText = nil
			r.MedicationStatus = nil
		}
	}
	if u.ProcessingComplete != nil {
		r.ProcessingComplete = *u.ProcessingComplete
	}
	r.UpdatedAt = now
}

// Success is the terminal patch for a run that produced a transcript.
func Success(transcript string, statuses StatusMap) Update {
	done := true
	return Update{
		PatientResponseText: &transcript,
		MedicationStatus:    statuses,
		ProcessingComplete:  &done,
	}
}

// Failure is the terminal patch for a run that failed at any stage.
func Failure(reason string) Update {
	done := true
	return Update{
		TranscriptionError: &reason,
		ProcessingComplete: &done,
	}
}

func StatusPtr(s Status) *Status { return &s }

func AttemptPtr(a Attempt) *Attempt { return &a }

func StringPtr(s string) *string { return &s }

func (r CallRecord) clone() CallRecord {
	out := r
	out.MedicationStatus = r.MedicationStatus.Clone()
	if r.PatientResponseText != nil {
		text := *r.PatientResponseText
		out.PatientResponseText = &text
	}
	return out
}
