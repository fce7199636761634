package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"

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

const conflictCols = `id, connection_id, sync_log_id, patient_id, resource_type, local_id,
	external_fhir_id, local_payload, remote_payload, local_version, remote_version,
	baseline_version, status, resolution, resolved_by, resolved_at, detail, created_at`

func (r *repoPG) Create(ctx context.Context, c *Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sync_conflict (
			id, connection_id, sync_log_id, patient_id, resource_type, local_id,
			external_fhir_id, local_payload, remote_payload, local_version,
			remote_version, baseline_version, status, resolution, detail
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		c.ID, c.ConnectionID, c.SyncLogID, c.PatientID, c.ResourceType, c.LocalID,
		c.ExternalID, c.LocalPayload, c.RemotePayload, c.LocalVersion,
		c.RemoteVersion, c.BaselineVersion, c.Status, c.Resolution, c.Detail,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+conflictCols+` FROM sync_conflict WHERE id = $1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *repoPG) Update(ctx context.Context, c *Conflict) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_conflict SET
			status = $2, resolution = $3, resolved_by = $4, resolved_at = $5, detail = $6
		WHERE id = $1`,
		c.ID, c.Status, c.Resolution, c.ResolvedBy, c.ResolvedAt, c.Detail,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Conflict, int, error) {
	where, args := buildFilter(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_conflict`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM sync_conflict%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		conflictCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, 0, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, total, rows.Err()
}

func (r *repoPG) OpenByResource(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*Conflict, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+conflictCols+` FROM sync_conflict
		WHERE connection_id = $1 AND resource_type = $2 AND external_fhir_id = $3 AND status = $4
		ORDER BY created_at DESC LIMIT 1`,
		connectionID, resourceType, externalID, StatusOpen,
	)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (r *repoPG) CountOpenForPair(ctx context.Context, patientID, connectionID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM sync_conflict
		WHERE patient_id = $1 AND connection_id = $2 AND status = $3`,
		patientID, connectionID, StatusOpen,
	).Scan(&n)
	return n, err
}

func buildFilter(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.ConnectionID != nil {
		add("connection_id = $%d", *f.ConnectionID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanConflict(row pgx.Row) (*Conflict, error) {
	var c Conflict
	err := row.Scan(
		&c.ID, &c.ConnectionID, &c.SyncLogID, &c.PatientID, &c.ResourceType, &c.LocalID,
		&c.ExternalID, &c.LocalPayload, &c.RemotePayload, &c.LocalVersion, &c.RemoteVersion,
		&c.BaselineVersion, &c.Status, &c.Resolution, &c.ResolvedBy, &c.ResolvedAt,
		&c.Detail, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
