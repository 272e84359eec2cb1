package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// AdherenceRequest asks for a summary of calls created inside Range.
// A zero Range covers every stored call.
type AdherenceRequest struct {
	Range TimeRange `json:"range"`
}

type AdherenceReport struct {
	Range TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	ReminderCalls   int `json:"reminder_calls"`
	VoicemailCalls  int `json:"voicemail_calls"`
	CompletedCalls  int `json:"completed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	BusyCalls       int `json:"busy_calls"`
	FailedCalls     int `json:"failed_calls"`
	CanceledCalls   int `json:"canceled_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	// Responses counts calls whose pipeline finished with a transcript.
	Responses int `json:"responses"`
	// ProcessingFailures counts calls whose pipeline finished with an error.
	ProcessingFailures int `json:"processing_failures"`
	PendingProcessing  int `json:"pending_processing"`

	Medications map[string]MedicationSummary `json:"medications"`
}

// MedicationSummary tallies the extracted status of one medication.
type MedicationSummary struct {
	Taken    int `json:"taken"`
	NotTaken int `json:"not_taken"`
	Unknown  int `json:"unknown"`

	// AdherenceRate is Taken over the answers that were not unknown.
	AdherenceRate float64 `json:"adherence_rate"`
}
