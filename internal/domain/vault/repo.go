package vault

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a connection has no stored credential.
var ErrNotFound = errors.New("vault: credential not found")

type Repository interface {
	Upsert(ctx context.Context, cred *Credential) error
	GetByConnection(ctx context.Context, connectionID uuid.UUID) (*Credential, error)
	ClearAccessToken(ctx context.Context, connectionID uuid.UUID) error
}
