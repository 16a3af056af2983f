// Package policy persists per-session chime settings: which role a member
// must hold to trigger a chime and how long a chime may play.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/chimebot/internal/domain"
)

// ErrNotFound is returned when a session has no stored settings.
var ErrNotFound = errors.New("policy details not found")

// Details are the chime settings of one session. Zero values mean "not set".
type Details struct {
	SessionID        domain.SessionID `json:"session_id"`
	ChimeRoleID      domain.RoleID    `json:"chime_role_id,omitempty"`
	ChimeDurationMax time.Duration    `json:"chime_duration_max,omitempty"`
}

// Store persists Details.
type Store interface {
	Details(ctx context.Context, session domain.SessionID) (Details, error)
	Save(ctx context.Context, details Details) error
	Close() error
}

// Restriction returns the role a member must hold to trigger chimes in the
// session. ok is false when the session is unrestricted.
func (d Details) Restriction() (role domain.RoleID, ok bool) {
	return d.ChimeRoleID, d.ChimeRoleID != ""
}

// Lookup returns the session's details, treating a missing row as an
// unrestricted session with no overrides.
func Lookup(ctx context.Context, store Store, session domain.SessionID) (Details, error) {
	d, err := store.Details(ctx, session)
	if errors.Is(err, ErrNotFound) {
		return Details{SessionID: session}, nil
	}
	return d, err
}
