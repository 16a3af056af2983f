// Package voice defines the contract between the dispatch engine and a
// platform's voice transport.
package voice

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/domain"
)

// ErrNotConnected is returned by Leave when the session has no open
// connection.
var ErrNotConnected = errors.New("voice: not connected")

// ConnectionManager owns at most one voice connection per session.
type ConnectionManager interface {
	// Join connects to channel, moving an existing connection in the same
	// session if needed.
	Join(ctx context.Context, session domain.SessionID, channel domain.ChannelID) (Connection, error)
	Leave(ctx context.Context, session domain.SessionID) error
	// Get reports the open connection of a session, if any.
	Get(session domain.SessionID) (Connection, bool)
}

// Connection is an open voice connection.
type Connection interface {
	Deafen(ctx context.Context, deaf bool) error
	Play(ctx context.Context, asset chime.Asset) (Track, error)
}

// Track is a playback in progress.
type Track interface {
	// Duration reports the track length when the backend knows it.
	Duration() (time.Duration, bool)
	// Done is closed when playback ends for any reason.
	Done() <-chan struct{}
	Stop()
}
