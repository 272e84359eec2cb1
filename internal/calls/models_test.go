package calls

import (
	"testing"
	"time"
)

func TestStatus_IsTerminalFailure(t *testing.T) {
	for _, s := range []Status{StatusNoAnswer, StatusBusy, StatusFailed, StatusCanceled} {
		if !s.IsTerminalFailure() {
			t.Fatalf("expected %q to be a terminal failure", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRinging, StatusInProgress, StatusCompleted} {
		if s.IsTerminalFailure() {
			t.Fatalf("expected %q not to be a terminal failure", s)
		}
	}
}

func TestUpdate_ApplyMergesAndRefreshesUpdatedAt(t *testing.T) {
	created := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	r := CallRecord{CallSid: "CA1", Status: StatusInProgress, To: "+1555", CreatedAt: created, UpdatedAt: created}

	later := created.Add(time.Minute)
	Update{RecordingReference: StringPtr("https://api.twilio.com/rec/RE1")}.Apply(&r, later)

	if r.RecordingReference == "" || r.To != "+1555" || r.Status != StatusInProgress {
		t.Fatalf("unexpected merge result %+v", r)
	}
	if !r.UpdatedAt.Equal(later) {
		t.Fatalf("expected UpdatedAt refreshed, got %v", r.UpdatedAt)
	}
}

func TestUpdate_TranscriptAndErrorAreExclusive(t *testing.T) {
	r := CallRecord{CallSid: "CA1"}
	now := time.Now()

	Success("yes", StatusMap{"aspirin": MedicationTaken}).Apply(&r, now)
	if r.PatientResponseText == nil || *r.PatientResponseText != "yes" || !r.ProcessingComplete {
		t.Fatalf("unexpected success state %+v", r)
	}

	Failure("boom").Apply(&r, now)
	if r.PatientResponseText != nil || r.MedicationStatus != nil {
		t.Fatalf("expected transcript cleared by failure, got %+v", r)
	}
	if r.TranscriptionError != "boom" {
		t.Fatalf("expected error recorded")
	}

	Success("", StatusMap{}).Apply(&r, now)
	if r.TranscriptionError != "" {
		t.Fatalf("expected error cleared by success")
	}
	if err := validate(r); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
}

func TestUpdate_Empty(t *testing.T) {
	if !(Update{}).Empty() {
		t.Fatalf("expected empty update")
	}
	if (Update{Status: StatusPtr(StatusCompleted)}).Empty() {
		t.Fatalf("expected non-empty update")
	}
}
