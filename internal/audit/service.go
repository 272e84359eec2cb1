package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallSid == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogPipeline records the terminal outcome of a response pipeline run.
func (s *Service) LogPipeline(ctx context.Context, callSid string, ok bool, message, metadata string) error {
	t := EventTypePipelineCompleted
	if !ok {
		t = EventTypePipelineFailed
	}
	return s.Append(ctx, Event{CallSid: callSid, Type: t, Message: message, Metadata: metadata})
}

// LogFallback records one step of the unanswered-call cascade.
func (s *Service) LogFallback(ctx context.Context, callSid string, t EventType, message string) error {
	return s.Append(ctx, Event{CallSid: callSid, Type: t, Message: message})
}

// LogCallTriggered records an operator placing a reminder call.
func (s *Service) LogCallTriggered(ctx context.Context, callSid, actorUserID, actorRole, ip, to string) error {
	return s.Append(ctx, Event{
		CallSid:     callSid,
		Type:        EventTypeCallTriggered,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     "reminder call placed to " + to,
	})
}
