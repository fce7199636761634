package mapping

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

const mappingCols = `id, patient_id, connection_id, external_fhir_id, status,
	matched_by, tombstoned, last_synced_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, m *Mapping) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_mapping (
			id, patient_id, connection_id, external_fhir_id, status,
			matched_by, tombstoned, last_synced_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		m.ID, m.PatientID, m.ConnectionID, m.ExternalID, m.Status,
		m.MatchedBy, m.Tombstoned, m.LastSyncedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Mapping, error) {
	return scanMapping(r.conn(ctx).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM patient_mapping WHERE id = $1`, id))
}

func (r *repoPG) GetActive(ctx context.Context, patientID, connectionID uuid.UUID) (*Mapping, error) {
	return scanMapping(r.conn(ctx).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM patient_mapping
		 WHERE patient_id = $1 AND connection_id = $2 AND NOT tombstoned`,
		patientID, connectionID))
}

func (r *repoPG) GetActiveByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*Mapping, error) {
	return scanMapping(r.conn(ctx).QueryRow(ctx,
		`SELECT `+mappingCols+` FROM patient_mapping
		 WHERE connection_id = $1 AND external_fhir_id = $2 AND NOT tombstoned`,
		connectionID, externalID))
}

func (r *repoPG) Update(ctx context.Context, m *Mapping) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_mapping SET
			external_fhir_id=$2, status=$3, matched_by=$4, tombstoned=$5,
			last_synced_at=$6, updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.ExternalID, m.Status, m.MatchedBy, m.Tombstoned, m.LastSyncedAt,
	)
	return err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Mapping, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+mappingCols+` FROM patient_mapping
		 WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

func (r *repoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, status string, limit, offset int) ([]*Mapping, int, error) {
	if status != "" {
		var total int
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM patient_mapping
			 WHERE connection_id = $1 AND status = $2 AND NOT tombstoned`,
			connectionID, status).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err := r.conn(ctx).Query(ctx,
			`SELECT `+mappingCols+` FROM patient_mapping
			 WHERE connection_id = $1 AND status = $2 AND NOT tombstoned
			 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
			connectionID, status, limit, offset)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()
		mappings, err := collectMappings(rows)
		if err != nil {
			return nil, 0, err
		}
		return mappings, total, nil
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_mapping WHERE connection_id = $1 AND NOT tombstoned`,
		connectionID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+mappingCols+` FROM patient_mapping
		 WHERE connection_id = $1 AND NOT tombstoned
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		connectionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	mappings, err := collectMappings(rows)
	if err != nil {
		return nil, 0, err
	}
	return mappings, total, nil
}

func (r *repoPG) ListSyncable(ctx context.Context, connectionID uuid.UUID) ([]*Mapping, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+mappingCols+` FROM patient_mapping
		 WHERE connection_id = $1 AND status = $2 AND NOT tombstoned
		   AND external_fhir_id <> ''
		 ORDER BY created_at`, connectionID, StatusSynced)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

func scanMapping(row pgx.Row) (*Mapping, error) {
	var m Mapping
	err := row.Scan(
		&m.ID, &m.PatientID, &m.ConnectionID, &m.ExternalID, &m.Status,
		&m.MatchedBy, &m.Tombstoned, &m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMappings(rows pgx.Rows) ([]*Mapping, error) {
	var mappings []*Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(
			&m.ID, &m.PatientID, &m.ConnectionID, &m.ExternalID, &m.Status,
			&m.MatchedBy, &m.Tombstoned, &m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, err
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}
