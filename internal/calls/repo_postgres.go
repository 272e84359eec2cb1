package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medication-reminder/pkg/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
  id                    TEXT PRIMARY KEY,
  call_sid              TEXT NOT NULL UNIQUE,
  to_number             TEXT NOT NULL DEFAULT '',
  from_number           TEXT NOT NULL DEFAULT '',
  status                TEXT NOT NULL DEFAULT '',
  attempt               INT  NOT NULL DEFAULT 1,
  recording_reference   TEXT NOT NULL DEFAULT '',
  patient_response_text TEXT,
  medication_status     JSONB,
  transcription_error   TEXT NOT NULL DEFAULT '',
  processing_complete   BOOLEAN NOT NULL DEFAULT FALSE,
  created_at            TIMESTAMPTZ NOT NULL,
  updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_records_created_at_idx ON call_records (created_at DESC);
`

const selectColumns = `
SELECT id, call_sid, to_number, from_number, status, attempt, recording_reference,
       patient_response_text, medication_status, transcription_error, processing_complete,
       created_at, updated_at
FROM call_records
`

// PostgresStore persists call records through database/sql (pgx stdlib driver).
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

// EnsureSchema creates the call_records table if it is missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("calls: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, r CallRecord) (CallRecord, error) {
	if err := validate(r); err != nil {
		return CallRecord{}, err
	}
	now := s.clock().UTC()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Attempt == 0 {
		r.Attempt = AttemptReminder
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	statuses, err := encodeStatusMap(r.MedicationStatus)
	if err != nil {
		return CallRecord{}, err
	}

	const q = `
INSERT INTO call_records (
  id, call_sid, to_number, from_number, status, attempt, recording_reference,
  patient_response_text, medication_status, transcription_error, processing_complete,
  created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (call_sid) DO NOTHING
`
	res, err := s.db.ExecContext(ctx, q,
		r.ID,
		r.CallSid,
		r.To,
		r.From,
		string(r.Status),
		int(r.Attempt),
		r.RecordingReference,
		nullString(r.PatientResponseText),
		statuses,
		r.TranscriptionError,
		r.ProcessingComplete,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, fmt.Errorf("calls: insert: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return CallRecord{}, ErrAlreadyExists
	}
	return r, nil
}

func (s *PostgresStore) FindByCallSid(ctx context.Context, callSid string) (CallRecord, error) {
	return scanRecord(s.db.QueryRowContext(ctx, selectColumns+`WHERE call_sid = $1`, callSid))
}

// Update locks the row, merges the patch and writes the full row back, so
// concurrent patches to the same CallSid serialize and the last one wins.
func (s *PostgresStore) Update(ctx context.Context, callSid string, u Update) (CallRecord, error) {
	var out CallRecord
	err := utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		r, err := scanRecord(tx.QueryRowContext(ctx, selectColumns+`WHERE call_sid = $1 FOR UPDATE`, callSid))
		if err != nil {
			return err
		}
		u.Apply(&r, s.clock().UTC())
		if err := validate(r); err != nil {
			return err
		}
		statuses, err := encodeStatusMap(r.MedicationStatus)
		if err != nil {
			return err
		}

		const q = `
UPDATE call_records
SET status = $2,
    recording_reference = $3,
    patient_response_text = $4,
    medication_status = $5,
    transcription_error = $6,
    processing_complete = $7,
    updated_at = $8,
    attempt = $9
WHERE call_sid = $1
`
		if _, err := tx.ExecContext(ctx, q,
			callSid,
			string(r.Status),
			r.RecordingReference,
			nullString(r.PatientResponseText),
			statuses,
			r.TranscriptionError,
			r.ProcessingComplete,
			r.UpdatedAt,
			int(r.Attempt),
		); err != nil {
			return fmt.Errorf("calls: update: %w", err)
		}
		out = r
		return nil
	})
	if err != nil {
		return CallRecord{}, err
	}
	return out, nil
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]CallRecord, error) {
	q := selectColumns + `
WHERE ($1::timestamptz IS NULL OR created_at >= $1)
  AND ($2::timestamptz IS NULL OR created_at < $2)
ORDER BY created_at DESC, call_sid ASC
`
	args := []any{nullTime(f.From), nullTime(f.To)}
	if f.Limit > 0 {
		q += `LIMIT $3`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("calls: list: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (CallRecord, error) {
	var (
		r        CallRecord
		status   string
		attempt  int
		response sql.NullString
		statuses []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.CallSid,
		&r.To,
		&r.From,
		&status,
		&attempt,
		&r.RecordingReference,
		&response,
		&statuses,
		&r.TranscriptionError,
		&r.ProcessingComplete,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, err
	}
	r.Status = Status(status)
	r.Attempt = Attempt(attempt)
	if response.Valid {
		text := response.String
		r.PatientResponseText = &text
	}
	if len(statuses) > 0 {
		if err := json.Unmarshal(statuses, &r.MedicationStatus); err != nil {
			return CallRecord{}, fmt.Errorf("calls: decode medication_status: %w", err)
		}
	}
	return r, nil
}

func encodeStatusMap(m StatusMap) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("calls: encode medication_status: %w", err)
	}
	return string(raw), nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
