// Package discord adapts a discordgo gateway session to the chime engine:
// it forwards guild and voice events, serves voice connections and handles
// the bot's slash commands.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/voice"
)

// Platform is the engine's view of a live gateway session.
type Platform struct {
	session *discordgo.Session
	voice   *VoiceManager
}

func NewPlatform(s *discordgo.Session, vm *VoiceManager) *Platform {
	return &Platform{session: s, voice: vm}
}

func (p *Platform) Voice() (voice.ConnectionManager, bool) {
	if p.voice == nil {
		return nil, false
	}
	return p.voice, true
}

// MemberRoles reads the member from the state cache and falls back to the
// REST API.
func (p *Platform) MemberRoles(ctx context.Context, session domain.SessionID, user domain.UserID) ([]domain.RoleID, error) {
	var member *discordgo.Member
	if p.session.State != nil {
		if m, err := p.session.State.Member(session.String(), user.String()); err == nil {
			member = m
		}
	}
	if member == nil {
		m, err := p.session.GuildMember(session.String(), user.String(), discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetch member %s in %s: %w", user, session, err)
		}
		member = m
	}

	roles := make([]domain.RoleID, 0, len(member.Roles))
	for _, r := range member.Roles {
		roles = append(roles, domain.RoleID(r))
	}
	return roles, nil
}
