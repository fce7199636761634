package clinical

import (
	"context"
	"errors"
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

const recordCols = `id, patient_id, resource_type, payload, content_hash, origin,
	connection_id, external_id, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO clinical_record (
			id, patient_id, resource_type, payload, content_hash, origin,
			connection_id, external_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.PatientID, rec.ResourceType, rec.Payload, rec.ContentHash, rec.Origin,
		rec.ConnectionID, rec.ExternalID,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM clinical_record WHERE id = $1`, id))
}

func (r *repoPG) GetByExternal(ctx context.Context, connectionID uuid.UUID, resourceType, externalID string) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM clinical_record
		 WHERE connection_id = $1 AND resource_type = $2 AND external_id = $3`,
		connectionID, resourceType, externalID))
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE clinical_record SET
			payload=$2, content_hash=$3, origin=$4, connection_id=$5, external_id=$6,
			updated_at=NOW()
		WHERE id = $1`,
		rec.ID, rec.Payload, rec.ContentHash, rec.Origin, rec.ConnectionID, rec.ExternalID,
	)
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM clinical_record WHERE id = $1`, id)
	return err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, resourceType string, limit, offset int) ([]*Record, int, error) {
	if resourceType != "" {
		var total int
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM clinical_record WHERE patient_id = $1 AND resource_type = $2`,
			patientID, resourceType).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err := r.conn(ctx).Query(ctx,
			`SELECT `+recordCols+` FROM clinical_record
			 WHERE patient_id = $1 AND resource_type = $2
			 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`,
			patientID, resourceType, limit, offset)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()
		recs, err := collectRecords(rows)
		if err != nil {
			return nil, 0, err
		}
		return recs, total, nil
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical_record WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM clinical_record
		 WHERE patient_id = $1
		 ORDER BY updated_at DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	recs, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

func (r *repoPG) ListChangedSince(ctx context.Context, patientID uuid.UUID, since time.Time) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM clinical_record
		 WHERE patient_id = $1 AND updated_at > $2
		 ORDER BY updated_at`,
		patientID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID, &rec.PatientID, &rec.ResourceType, &rec.Payload, &rec.ContentHash, &rec.Origin,
		&rec.ConnectionID, &rec.ExternalID, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.PatientID, &rec.ResourceType, &rec.Payload, &rec.ContentHash, &rec.Origin,
			&rec.ConnectionID, &rec.ExternalID, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
