package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/audio"
	"github.com/ent0n29/chimebot/internal/dispatch"
	"github.com/ent0n29/chimebot/internal/domain"
)

const commandTimeout = 2 * time.Minute

// Engine receives platform notifications.
type Engine interface {
	SetPlatform(p dispatch.Platform)
	OnSessionSeen(ctx context.Context, id domain.SessionID, p dispatch.Platform)
	OnPresenceTransition(ctx context.Context, tr dispatch.Transition) bool
}

type Options struct {
	Token       string
	CommandRoot string
	// Beats logs gateway heartbeats and other discordgo debug output.
	Beats bool
	Tools audio.Tools
}

// Bot owns the gateway session and forwards its events.
type Bot struct {
	session   *discordgo.Session
	voice     *VoiceManager
	platform  *Platform
	engine    Engine
	commands  *Commands
	localizer Localizer
	root      string
	log       *zap.Logger

	ctx context.Context
}

func New(opts Options, engine Engine, commands *Commands, localizer Localizer, log *zap.Logger) (*Bot, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	s.StateEnabled = true
	s.LogLevel = discordgo.LogWarning
	if opts.Beats {
		s.LogLevel = discordgo.LogDebug
	}
	discordgo.Logger = bridgeLogger(log)

	vm := NewVoiceManager(s, opts.Tools, log)
	b := &Bot{
		session:   s,
		voice:     vm,
		platform:  NewPlatform(s, vm),
		engine:    engine,
		commands:  commands,
		localizer: localizer,
		root:      opts.CommandRoot,
		log:       log.Named("discord"),
		ctx:       context.Background(),
	}
	s.AddHandler(b.onReady)
	s.AddHandler(b.onGuildCreate)
	s.AddHandler(b.onVoiceStateUpdate)
	s.AddHandler(b.onInteractionCreate)
	return b, nil
}

// Run connects to the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	<-ctx.Done()

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.voice.LeaveAll(shutdown)
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close gateway: %w", err)
	}
	return nil
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.engine.SetPlatform(b.platform)
	b.log.Info("connected", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))

	if err := s.UpdateListeningStatus("/" + b.root); err != nil {
		b.log.Warn("could not set status", zap.Error(err))
	}
	if _, err := s.ApplicationCommandBulkOverwrite(r.User.ID, "", Definitions(b.root, b.localizer)); err != nil {
		b.log.Error("could not register commands", zap.Error(err))
	}
}

func (b *Bot) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	b.engine.SetPlatform(b.platform)
	b.engine.OnSessionSeen(b.ctx, domain.SessionID(g.ID), b.platform)
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil {
		return
	}
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	b.engine.OnPresenceTransition(b.ctx, transitionFrom(v, botID, b.platform))
}

// transitionFrom converts a gateway voice update. Bots, including this one,
// are reported as automated.
func transitionFrom(v *discordgo.VoiceStateUpdate, botID string, p dispatch.Platform) dispatch.Transition {
	tr := dispatch.Transition{
		UserID: domain.UserID(v.UserID),
		After: dispatch.Placement{
			SessionID: domain.SessionID(v.GuildID),
			ChannelID: domain.ChannelID(v.ChannelID),
		},
		Platform: p,
	}
	if v.Member != nil && v.Member.User != nil && v.Member.User.Bot {
		tr.Automated = true
	}
	if botID != "" && v.UserID == botID {
		tr.Automated = true
	}
	if v.BeforeUpdate != nil {
		tr.Before = &dispatch.Placement{
			SessionID: domain.SessionID(v.BeforeUpdate.GuildID),
			ChannelID: domain.ChannelID(v.BeforeUpdate.ChannelID),
		}
	}
	return tr
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	b.engine.SetPlatform(b.platform)

	inv, err := parseInvocation(i.Interaction)
	if err != nil {
		b.log.Warn("malformed command", zap.Error(err))
		return
	}
	if inv.Name != b.root {
		b.log.Warn("unknown command received", zap.String("name", inv.Name))
		return
	}

	// Downloads and probing can outlast the three second response window.
	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		b.log.Error("could not acknowledge command", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()
	key := b.commands.Handle(ctx, inv)

	msg := b.localizer.Localize(inv.Locale, key)
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &msg}); err != nil {
		b.log.Error("could not respond to command", zap.Error(err))
	}
}

// bridgeLogger routes discordgo's package logger into zap.
func bridgeLogger(log *zap.Logger) func(msgL, caller int, format string, a ...interface{}) {
	l := log.Named("discordgo")
	return func(msgL, _ int, format string, a ...interface{}) {
		msg := fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogError:
			l.Error(msg)
		case discordgo.LogWarning:
			l.Warn(msg)
		case discordgo.LogInformational:
			l.Info(msg)
		default:
			l.Debug(msg)
		}
	}
}
