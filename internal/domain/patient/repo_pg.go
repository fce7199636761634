package patient

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

const patientCols = `id, mrn, family_name, given_name, birth_date, gender,
	phone, email, address_line, city, state, postal_code, care_team_notes,
	created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (
			id, mrn, family_name, given_name, birth_date, gender,
			phone, email, address_line, city, state, postal_code, care_team_notes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		p.ID, p.MRN, p.FamilyName, p.GivenName, p.BirthDate, p.Gender,
		p.Phone, p.Email, p.AddressLine, p.City, p.State, p.PostalCode, p.CareTeamNotes,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
}

func (r *repoPG) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE mrn = $1`, mrn))
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET
			mrn=$2, family_name=$3, given_name=$4, birth_date=$5, gender=$6,
			phone=$7, email=$8, address_line=$9, city=$10, state=$11,
			postal_code=$12, care_team_notes=$13, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.MRN, p.FamilyName, p.GivenName, p.BirthDate, p.Gender,
		p.Phone, p.Email, p.AddressLine, p.City, p.State, p.PostalCode, p.CareTeamNotes,
	)
	return err
}

func (r *repoPG) List(ctx context.Context, q string, limit, offset int) ([]*Patient, int, error) {
	if q != "" {
		pattern := "%" + q + "%"
		var total int
		if err := r.conn(ctx).QueryRow(ctx,
			`SELECT COUNT(*) FROM patient WHERE mrn = $1 OR family_name ILIKE $2`,
			q, pattern).Scan(&total); err != nil {
			return nil, 0, err
		}
		rows, err := r.conn(ctx).Query(ctx,
			`SELECT `+patientCols+` FROM patient
			 WHERE mrn = $1 OR family_name ILIKE $2
			 ORDER BY family_name, given_name LIMIT $3 OFFSET $4`,
			q, pattern, limit, offset)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()
		patients, err := collectPatients(rows)
		if err != nil {
			return nil, 0, err
		}
		return patients, total, nil
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patient ORDER BY family_name, given_name LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	patients, err := collectPatients(rows)
	if err != nil {
		return nil, 0, err
	}
	return patients, total, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(
		&p.ID, &p.MRN, &p.FamilyName, &p.GivenName, &p.BirthDate, &p.Gender,
		&p.Phone, &p.Email, &p.AddressLine, &p.City, &p.State, &p.PostalCode,
		&p.CareTeamNotes, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPatients(rows pgx.Rows) ([]*Patient, error) {
	var patients []*Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(
			&p.ID, &p.MRN, &p.FamilyName, &p.GivenName, &p.BirthDate, &p.Gender,
			&p.Phone, &p.Email, &p.AddressLine, &p.City, &p.State, &p.PostalCode,
			&p.CareTeamNotes, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		patients = append(patients, &p)
	}
	return patients, rows.Err()
}
