package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/chimebot/internal/domain"
)

// PostgresStore persists session settings in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS guild_details (
			id TEXT PRIMARY KEY,
			chime_duration_max_ms BIGINT NULL,
			chime_role_id TEXT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Details(ctx context.Context, session domain.SessionID) (Details, error) {
	var (
		maxMS *int64
		role  *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT chime_duration_max_ms, chime_role_id FROM guild_details WHERE id=$1`,
		string(session),
	).Scan(&maxMS, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return Details{}, ErrNotFound
	}
	if err != nil {
		return Details{}, fmt.Errorf("query guild details: %w", err)
	}
	return detailsFromColumns(session, maxMS, role), nil
}

func (s *PostgresStore) Save(ctx context.Context, d Details) error {
	maxMS, role := detailsToColumns(d)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO guild_details (id, chime_duration_max_ms, chime_role_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET chime_duration_max_ms = EXCLUDED.chime_duration_max_ms,
		     chime_role_id = EXCLUDED.chime_role_id`,
		string(d.SessionID),
		maxMS,
		role,
	)
	if err != nil {
		return fmt.Errorf("save guild details: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func detailsFromColumns(session domain.SessionID, maxMS *int64, role *string) Details {
	d := Details{SessionID: session}
	if maxMS != nil && *maxMS > 0 {
		d.ChimeDurationMax = time.Duration(*maxMS) * time.Millisecond
	}
	if role != nil {
		d.ChimeRoleID = domain.RoleID(*role)
	}
	return d
}

func detailsToColumns(d Details) (maxMS *int64, role *string) {
	if d.ChimeDurationMax > 0 {
		ms := d.ChimeDurationMax.Milliseconds()
		maxMS = &ms
	}
	if d.ChimeRoleID != "" {
		r := string(d.ChimeRoleID)
		role = &r
	}
	return maxMS, role
}
