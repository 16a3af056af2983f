// Package chime stores the per-user audio clips played when a user joins a
// voice channel.
package chime

import (
	"context"
	"errors"

	"github.com/ent0n29/chimebot/internal/domain"
)

var (
	// ErrNotAvailable means the user has no chime registered.
	ErrNotAvailable = errors.New("chime not available")
	// ErrPlayback means a chime is registered but cannot be opened for playback.
	ErrPlayback = errors.New("chime playback unavailable")
	// ErrSave means the chime data could not be persisted.
	ErrSave = errors.New("chime save failed")
	// ErrDir means the backing directory is missing or unreadable.
	ErrDir = errors.New("chime directory unusable")
)

// Asset is a playable chime, valid for a single playback.
type Asset struct {
	UserID domain.UserID
	Path   string
	Size   int64
}

// Store is implemented by chime backends. Implementations must be safe for
// concurrent use; a successful Save is visible to the next HasData and
// Input call for the same user.
type Store interface {
	HasData(ctx context.Context, user domain.UserID) bool
	Input(ctx context.Context, user domain.UserID) (Asset, error)
	Save(ctx context.Context, user domain.UserID, data []byte) error
	Clear(ctx context.Context, user domain.UserID) error
	Close() error
}
