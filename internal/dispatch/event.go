package dispatch

import (
	"context"

	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/voice"
)

// Platform is the slice of a chat platform session the engine needs.
type Platform interface {
	// Voice returns the platform's connection manager. ok is false while
	// the platform cannot serve voice (for example before the gateway is
	// ready).
	Voice() (voice.ConnectionManager, bool)
	// MemberRoles lists the roles a user holds in a session.
	MemberRoles(ctx context.Context, session domain.SessionID, user domain.UserID) ([]domain.RoleID, error)
}

// PresenceEvent announces that a user with a chime entered a voice channel.
type PresenceEvent struct {
	SessionID domain.SessionID
	ChannelID domain.ChannelID
	UserID    domain.UserID
	Platform  Platform
}

// Placement is a user's position in voice.
type Placement struct {
	SessionID domain.SessionID
	ChannelID domain.ChannelID
}

// Transition is a raw voice presence change reported by the platform.
// Before is nil when the previous state is unknown.
type Transition struct {
	UserID    domain.UserID
	Automated bool
	Before    *Placement
	After     Placement
	Platform  Platform
}
