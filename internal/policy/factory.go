package policy

import (
	"context"
	"fmt"
	"strings"
)

// Backend names reported by Mode.
const (
	ModeMemory   = "in-memory"
	ModePostgres = "postgres"
	ModeSQLite   = "sqlite"
)

// Mode names the backend NewStore picks for databaseURL, or "" when the URL
// is not understood.
func Mode(databaseURL string) string {
	url := strings.TrimSpace(databaseURL)
	switch {
	case url == "":
		return ModeMemory
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return ModePostgres
	case strings.HasPrefix(url, "sqlite://"), strings.HasSuffix(url, ".db"):
		return ModeSQLite
	default:
		return ""
	}
}

// NewStore picks a backend from databaseURL: empty means in-memory,
// postgres:// and postgresql:// use PostgreSQL, sqlite:// (or a bare path
// ending in .db) uses SQLite.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	url := strings.TrimSpace(databaseURL)
	switch Mode(url) {
	case ModeMemory:
		return NewInMemoryStore(), nil
	case ModePostgres:
		return NewPostgresStore(ctx, url)
	case ModeSQLite:
		return NewSQLiteStore(ctx, strings.TrimPrefix(url, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}
}
