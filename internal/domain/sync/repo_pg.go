package sync

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/interop/internal/platform/db"
)

type logRepoPG struct {
	pool *pgxpool.Pool
}

func NewLogRepo(pool *pgxpool.Pool) LogRepository {
	return &logRepoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func conn(ctx context.Context, pool *pgxpool.Pool) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

const logCols = `id, connection_id, sync_type, direction, status, resources_processed,
	resources_succeeded, resources_failed, conflicts_detected, errors, summary,
	triggered_by, started_at, completed_at`

func (r *logRepoPG) Create(ctx context.Context, log *SyncLog) error {
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	errs, err := json.Marshal(log.Errors)
	if err != nil {
		return err
	}
	_, err = conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO sync_log (
			id, connection_id, sync_type, direction, status, resources_processed,
			resources_succeeded, resources_failed, conflicts_detected, errors,
			summary, triggered_by, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		log.ID, log.ConnectionID, log.SyncType, log.Direction, log.Status,
		log.Processed, log.Succeeded, log.Failed, log.Conflicts, errs,
		log.Summary, log.TriggeredBy, log.StartedAt,
	)
	return err
}

func (r *logRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*SyncLog, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `SELECT `+logCols+` FROM sync_log WHERE id = $1`, id)
	log, err := scanLog(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return log, err
}

// Update refuses to touch rows that already reached a terminal status.
func (r *logRepoPG) Update(ctx context.Context, log *SyncLog) error {
	errs, err := json.Marshal(log.Errors)
	if err != nil {
		return err
	}
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE sync_log SET
			status = $2, resources_processed = $3, resources_succeeded = $4,
			resources_failed = $5, conflicts_detected = $6, errors = $7,
			summary = $8, completed_at = $9
		WHERE id = $1 AND status = $10`,
		log.ID, log.Status, log.Processed, log.Succeeded, log.Failed,
		log.Conflicts, errs, log.Summary, log.CompletedAt, LogRunning,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *logRepoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncLog, int, error) {
	q := conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM sync_log WHERE connection_id = $1`, connectionID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+logCols+` FROM sync_log
		WHERE connection_id = $1
		ORDER BY started_at DESC LIMIT $2 OFFSET $3`,
		connectionID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log, err := scanLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}
	return logs, total, rows.Err()
}

func scanLog(row pgx.Row) (*SyncLog, error) {
	var log SyncLog
	var errs []byte
	err := row.Scan(
		&log.ID, &log.ConnectionID, &log.SyncType, &log.Direction, &log.Status,
		&log.Processed, &log.Succeeded, &log.Failed, &log.Conflicts, &errs,
		&log.Summary, &log.TriggeredBy, &log.StartedAt, &log.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &log.Errors); err != nil {
			return nil, err
		}
	}
	return &log, nil
}

type resourceRepoPG struct {
	pool *pgxpool.Pool
}

func NewResourceRepo(pool *pgxpool.Pool) ResourceRepository {
	return &resourceRepoPG{pool: pool}
}

const resourceCols = `id, sync_log_id, connection_id, patient_id, resource_type, local_id,
	external_id, direction, status, local_version, remote_version, error_message, created_at`

func (r *resourceRepoPG) Create(ctx context.Context, rs *ResourceSync) error {
	if rs.ID == uuid.Nil {
		rs.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO resource_sync (
			id, sync_log_id, connection_id, patient_id, resource_type, local_id,
			external_id, direction, status, local_version, remote_version, error_message
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rs.ID, rs.SyncLogID, rs.ConnectionID, rs.PatientID, rs.ResourceType, rs.LocalID,
		rs.ExternalID, rs.Direction, rs.Status, rs.LocalVersion, rs.RemoteVersion, rs.ErrorMessage,
	)
	return err
}

func (r *resourceRepoPG) ListByLog(ctx context.Context, syncLogID uuid.UUID, status string, limit, offset int) ([]*ResourceSync, int, error) {
	q := conn(ctx, r.pool)

	var (
		total int
		err   error
	)
	if status != "" {
		err = q.QueryRow(ctx, `SELECT COUNT(*) FROM resource_sync WHERE sync_log_id = $1 AND status = $2`,
			syncLogID, status).Scan(&total)
	} else {
		err = q.QueryRow(ctx, `SELECT COUNT(*) FROM resource_sync WHERE sync_log_id = $1`,
			syncLogID).Scan(&total)
	}
	if err != nil {
		return nil, 0, err
	}

	var rows pgx.Rows
	if status != "" {
		rows, err = q.Query(ctx, `
			SELECT `+resourceCols+` FROM resource_sync
			WHERE sync_log_id = $1 AND status = $2
			ORDER BY created_at LIMIT $3 OFFSET $4`,
			syncLogID, status, limit, offset,
		)
	} else {
		rows, err = q.Query(ctx, `
			SELECT `+resourceCols+` FROM resource_sync
			WHERE sync_log_id = $1
			ORDER BY created_at LIMIT $2 OFFSET $3`,
			syncLogID, limit, offset,
		)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ResourceSync
	for rows.Next() {
		rs, err := scanResource(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rs)
	}
	return out, total, rows.Err()
}

func (r *resourceRepoPG) LatestSynced(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*ResourceSync, error) {
	row := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+resourceCols+` FROM resource_sync
		WHERE connection_id = $1 AND resource_type = $2 AND external_id = $3 AND status = $4
		ORDER BY created_at DESC LIMIT 1`,
		connectionID, resourceType, externalID, ResourceSynced,
	)
	rs, err := scanResource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rs, err
}

func scanResource(row pgx.Row) (*ResourceSync, error) {
	var rs ResourceSync
	err := row.Scan(
		&rs.ID, &rs.SyncLogID, &rs.ConnectionID, &rs.PatientID, &rs.ResourceType, &rs.LocalID,
		&rs.ExternalID, &rs.Direction, &rs.Status, &rs.LocalVersion, &rs.RemoteVersion,
		&rs.ErrorMessage, &rs.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rs, nil
}
