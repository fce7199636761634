package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sink is the write side of the trail. Services that emit audit events
// depend on this rather than on the full Service.
type Sink interface {
	Record(ctx context.Context, ev *Event) error
}

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// Record appends one event. A failure is logged and returned but the
// caller's operation should not be aborted by it.
func (s *Service) Record(ctx context.Context, ev *Event) error {
	if ev.Action == "" {
		return fmt.Errorf("action is required")
	}
	if ev.Actor == "" {
		ev.Actor = ActorSystem
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if err := s.repo.Create(ctx, ev); err != nil {
		s.logger.Error().Err(err).Str("action", ev.Action).Msg("audit append failed")
		return err
	}
	return nil
}

func (s *Service) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListEvents(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}
