package reporting

import (
	"context"
	"errors"

	"medication-reminder/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Source lists the call records a report aggregates. calls.Store satisfies it.
type Source interface {
	List(ctx context.Context, f calls.ListFilter) ([]calls.CallRecord, error)
}

type Service struct {
	source Source
}

func NewService(source Source) *Service { return &Service{source: source} }

func (s *Service) Adherence(ctx context.Context, req AdherenceRequest) (AdherenceReport, error) {
	if !req.Range.From.IsZero() && !req.Range.To.IsZero() && !req.Range.To.After(req.Range.From) {
		return AdherenceReport{}, ErrInvalidRequest
	}
	if s.source == nil {
		return AdherenceReport{}, errors.New("reporting: source not configured")
	}

	rows, err := s.source.List(ctx, calls.ListFilter{From: req.Range.From, To: req.Range.To})
	if err != nil {
		return AdherenceReport{}, err
	}

	out := AdherenceReport{Range: req.Range, Medications: map[string]MedicationSummary{}}
	for _, r := range rows {
		out.TotalCalls++
		if r.Attempt == calls.AttemptVoicemail {
			out.VoicemailCalls++
		} else {
			out.ReminderCalls++
		}

		switch r.Status {
		case calls.StatusCompleted:
			out.CompletedCalls++
		case calls.StatusNoAnswer:
			out.NoAnswerCalls++
		case calls.StatusBusy:
			out.BusyCalls++
		case calls.StatusFailed:
			out.FailedCalls++
		case calls.StatusCanceled:
			out.CanceledCalls++
		case calls.StatusInProgress:
			out.InProgressCalls++
		case calls.StatusQueued, calls.StatusInitiated, calls.StatusRinging:
			// not counted separately
		}

		switch {
		case r.TranscriptionError != "":
			out.ProcessingFailures++
		case r.PatientResponseText != nil:
			out.Responses++
		case r.RecordingReference != "" && !r.ProcessingComplete:
			out.PendingProcessing++
		}

		for med, st := range r.MedicationStatus {
			sum := out.Medications[med]
			switch st {
			case calls.MedicationTaken:
				sum.Taken++
			case calls.MedicationNotTaken:
				sum.NotTaken++
			default:
				sum.Unknown++
			}
			out.Medications[med] = sum
		}
	}

	for med, sum := range out.Medications {
		if answered := sum.Taken + sum.NotTaken; answered > 0 {
			sum.AdherenceRate = float64(sum.Taken) / float64(answered)
		}
		out.Medications[med] = sum
	}
	return out, nil
}
