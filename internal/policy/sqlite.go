package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/chimebot/internal/domain"
)

// SQLiteStore persists session settings in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS guild_details (
		id TEXT PRIMARY KEY,
		chime_duration_max_ms INTEGER NULL,
		chime_role_id TEXT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create guild_details table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Details(ctx context.Context, session domain.SessionID) (Details, error) {
	var (
		maxMS sql.NullInt64
		role  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT chime_duration_max_ms, chime_role_id FROM guild_details WHERE id = ?`,
		string(session),
	).Scan(&maxMS, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return Details{}, ErrNotFound
	}
	if err != nil {
		return Details{}, fmt.Errorf("query guild details: %w", err)
	}

	var (
		ms *int64
		r  *string
	)
	if maxMS.Valid {
		ms = &maxMS.Int64
	}
	if role.Valid {
		r = &role.String
	}
	return detailsFromColumns(session, ms, r), nil
}

func (s *SQLiteStore) Save(ctx context.Context, d Details) error {
	maxMS, role := detailsToColumns(d)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guild_details (id, chime_duration_max_ms, chime_role_id)
		 VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE
		 SET chime_duration_max_ms = excluded.chime_duration_max_ms,
		     chime_role_id = excluded.chime_role_id`,
		string(d.SessionID),
		maxMS,
		role,
	)
	if err != nil {
		return fmt.Errorf("save guild details: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
