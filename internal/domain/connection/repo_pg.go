package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

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

const connCols = `id, name, vendor, base_url, token_url, client_id, scopes,
	status, status_reason, sync_frequency, sync_direction, resource_types,
	identifier_system, resource_owners, last_sync_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, conn *Connection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	types, owners, err := marshalJSONCols(conn)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO ehr_connection (
			id, name, vendor, base_url, token_url, client_id, scopes,
			status, status_reason, sync_frequency, sync_direction,
			resource_types, identifier_system, resource_owners
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		conn.ID, conn.Name, conn.Vendor, conn.BaseURL, conn.TokenURL, conn.ClientID,
		conn.Scopes, conn.Status, conn.StatusReason, conn.SyncFrequency, conn.SyncDirection,
		types, conn.IdentifierSystem, owners,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return scanConn(r.conn(ctx).QueryRow(ctx,
		`SELECT `+connCols+` FROM ehr_connection WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, conn *Connection) error {
	types, owners, err := marshalJSONCols(conn)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE ehr_connection SET
			name=$2, base_url=$3, token_url=$4, client_id=$5, scopes=$6,
			status=$7, status_reason=$8, sync_frequency=$9, sync_direction=$10,
			resource_types=$11, identifier_system=$12, resource_owners=$13,
			updated_at=NOW()
		WHERE id = $1`,
		conn.ID, conn.Name, conn.BaseURL, conn.TokenURL, conn.ClientID, conn.Scopes,
		conn.Status, conn.StatusReason, conn.SyncFrequency, conn.SyncDirection,
		types, conn.IdentifierSystem, owners,
	)
	return err
}

func (r *repoPG) TouchLastSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE ehr_connection SET last_sync_at = $2, updated_at = NOW() WHERE id = $1`,
		id, at)
	return err
}

func (r *repoPG) List(ctx context.Context, status string, limit, offset int) ([]*Connection, int, error) {
	if status != "" {
		var total int
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM ehr_connection WHERE status = $1`, status).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err := r.conn(ctx).Query(ctx,
			`SELECT `+connCols+` FROM ehr_connection WHERE status = $1 ORDER BY name LIMIT $2 OFFSET $3`,
			status, limit, offset)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()
		conns, err := collectConns(rows)
		if err != nil {
			return nil, 0, err
		}
		return conns, total, nil
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM ehr_connection`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+connCols+` FROM ehr_connection ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	conns, err := collectConns(rows)
	if err != nil {
		return nil, 0, err
	}
	return conns, total, nil
}

func (r *repoPG) ListActive(ctx context.Context) ([]*Connection, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+connCols+` FROM ehr_connection WHERE status = $1 ORDER BY name`, StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConns(rows)
}

func (r *repoPG) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT status, COUNT(*) FROM ehr_connection GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func marshalJSONCols(conn *Connection) (types, owners []byte, err error) {
	if types, err = json.Marshal(conn.ResourceTypes); err != nil {
		return nil, nil, fmt.Errorf("marshal resource_types: %w", err)
	}
	if conn.ResourceOwners == nil {
		owners = []byte(`{}`)
		return types, owners, nil
	}
	if owners, err = json.Marshal(conn.ResourceOwners); err != nil {
		return nil, nil, fmt.Errorf("marshal resource_owners: %w", err)
	}
	return types, owners, nil
}

func scanConn(row pgx.Row) (*Connection, error) {
	var (
		c      Connection
		types  []byte
		owners []byte
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Vendor, &c.BaseURL, &c.TokenURL, &c.ClientID, &c.Scopes,
		&c.Status, &c.StatusReason, &c.SyncFrequency, &c.SyncDirection, &types,
		&c.IdentifierSystem, &owners, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSONCols(&c, types, owners); err != nil {
		return nil, err
	}
	return &c, nil
}

func collectConns(rows pgx.Rows) ([]*Connection, error) {
	var conns []*Connection
	for rows.Next() {
		var (
			c      Connection
			types  []byte
			owners []byte
		)
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Vendor, &c.BaseURL, &c.TokenURL, &c.ClientID, &c.Scopes,
			&c.Status, &c.StatusReason, &c.SyncFrequency, &c.SyncDirection, &types,
			&c.IdentifierSystem, &owners, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if err := unmarshalJSONCols(&c, types, owners); err != nil {
			return nil, err
		}
		conns = append(conns, &c)
	}
	return conns, rows.Err()
}

func unmarshalJSONCols(c *Connection, types, owners []byte) error {
	if len(types) > 0 {
		if err := json.Unmarshal(types, &c.ResourceTypes); err != nil {
			return fmt.Errorf("unmarshal resource_types: %w", err)
		}
	}
	if len(owners) > 0 {
		if err := json.Unmarshal(owners, &c.ResourceOwners); err != nil {
			return fmt.Errorf("unmarshal resource_owners: %w", err)
		}
	}
	return nil
}
