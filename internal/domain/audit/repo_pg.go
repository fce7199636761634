package audit

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

const eventCols = `id, occurred_at, actor, action, resource_type, resource_id,
	connection_id, sync_log_id, request_id, detail, created_at`

func (r *repoPG) Create(ctx context.Context, ev *Event) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_event (
			id, occurred_at, actor, action, resource_type, resource_id,
			connection_id, sync_log_id, request_id, detail
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		ev.ID, ev.OccurredAt, ev.Actor, ev.Action, ev.ResourceType, ev.ResourceID,
		ev.ConnectionID, ev.SyncLogID, ev.RequestID, ev.Detail,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+eventCols+` FROM audit_event WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	where, args := buildFilter(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_event`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_event%s ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d`,
		eventCols, where, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	return events, total, rows.Err()
}

func buildFilter(f Filter) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if f.ConnectionID != nil {
		add("connection_id = $%d", *f.ConnectionID)
	}
	if f.SyncLogID != nil {
		add("sync_log_id = $%d", *f.SyncLogID)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at <= $%d", f.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEvent(row pgx.Row) (*Event, error) {
	var ev Event
	err := row.Scan(
		&ev.ID, &ev.OccurredAt, &ev.Actor, &ev.Action, &ev.ResourceType, &ev.ResourceID,
		&ev.ConnectionID, &ev.SyncLogID, &ev.RequestID, &ev.Detail, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}
