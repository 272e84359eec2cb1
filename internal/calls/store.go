package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("calls: record not found")
	ErrAlreadyExists = errors.New("calls: record already exists")
	ErrInvalidRecord = errors.New("calls: invalid record")
)

// Store is the persistence contract for call records.
//
// Records are never deleted. Update is last-write-wins per CallSid and
// returns ErrNotFound for an unknown CallSid.
type Store interface {
	Create(ctx context.Context, r CallRecord) (CallRecord, error)
	FindByCallSid(ctx context.Context, callSid string) (CallRecord, error)
	Update(ctx context.Context, callSid string, u Update) (CallRecord, error)
	List(ctx context.Context, f ListFilter) ([]CallRecord, error)
}

// ListFilter bounds List by creation time. Zero values are open bounds.
type ListFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

func (f ListFilter) includes(t time.Time) bool {
	if !f.From.IsZero() && t.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.Before(f.To) {
		return false
	}
	return true
}

func validate(r CallRecord) error {
	if r.CallSid == "" {
		return ErrInvalidRecord
	}
	if r.PatientResponseText != nil && r.TranscriptionError != "" {
		return ErrInvalidRecord
	}
	for _, v := range r.MedicationStatus {
		if !v.Valid() {
			return ErrInvalidRecord
		}
	}
	return nil
}
