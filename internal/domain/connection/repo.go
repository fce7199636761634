package connection

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no connection matches the lookup.
var ErrNotFound = errors.New("connection: not found")

type Repository interface {
	Create(ctx context.Context, conn *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	Update(ctx context.Context, conn *Connection) error
	TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, status string, limit, offset int) ([]*Connection, int, error)
	ListActive(ctx context.Context) ([]*Connection, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}
