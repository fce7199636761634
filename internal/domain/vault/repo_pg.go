package vault

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) Upsert(ctx context.Context, cred *Credential) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO ehr_credential (
			connection_id, grant_type, refresh_token_enc, client_secret_enc,
			access_token_enc, access_expires_at
		) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (connection_id) DO UPDATE SET
			grant_type = EXCLUDED.grant_type,
			refresh_token_enc = EXCLUDED.refresh_token_enc,
			client_secret_enc = EXCLUDED.client_secret_enc,
			access_token_enc = EXCLUDED.access_token_enc,
			access_expires_at = EXCLUDED.access_expires_at,
			updated_at = NOW()`,
		cred.ConnectionID, cred.GrantType, cred.RefreshTokenEnc, cred.ClientSecretEnc,
		cred.AccessTokenEnc, cred.AccessExpiresAt,
	)
	return err
}

func (r *repoPG) GetByConnection(ctx context.Context, connectionID uuid.UUID) (*Credential, error) {
	var cred Credential
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT connection_id, grant_type, refresh_token_enc, client_secret_enc,
		       access_token_enc, access_expires_at, created_at, updated_at
		FROM ehr_credential WHERE connection_id = $1`, connectionID,
	).Scan(
		&cred.ConnectionID, &cred.GrantType, &cred.RefreshTokenEnc, &cred.ClientSecretEnc,
		&cred.AccessTokenEnc, &cred.AccessExpiresAt, &cred.CreatedAt, &cred.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (r *repoPG) ClearAccessToken(ctx context.Context, connectionID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE ehr_credential SET access_token_enc = '', access_expires_at = NULL, updated_at = NOW()
		WHERE connection_id = $1`, connectionID)
	return err
}
