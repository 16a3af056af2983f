// Package domain holds the identifier types shared across the bot.
package domain

import "strconv"

// SessionID identifies a tenant session (a guild).
type SessionID string

// ChannelID identifies a voice channel inside a session.
type ChannelID string

// UserID identifies a platform user.
type UserID string

// RoleID identifies a role inside a session.
type RoleID string

func (id SessionID) String() string { return string(id) }
func (id ChannelID) String() string { return string(id) }
func (id UserID) String() string    { return string(id) }
func (id RoleID) String() string    { return string(id) }

// ValidSnowflake reports whether s is a positive 64-bit platform identifier.
func ValidSnowflake(s string) bool {
	n, err := strconv.ParseUint(s, 10, 64)
	return err == nil && n > 0
}
