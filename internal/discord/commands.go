package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/ingest"
	"github.com/ent0n29/chimebot/internal/policy"
)

// Response keys understood by the localizer.
const (
	keySuccess            = "success"
	keyFail               = "fail"
	keyInternalError      = "internal-error"
	keyMissingPermissions = "missing-permissions"
	keyOnlyInGuilds       = "only-in-guilds"
)

// maxChimeSeconds bounds the per-session playback limit an admin can set.
const maxChimeSeconds = 3600

// Localizer resolves message keys for a platform locale.
type Localizer interface {
	Localize(locale, key string) string
	Available() []string
	Fallback() string
}

// Ingester accepts new chime audio for a user.
type Ingester interface {
	FromAttachment(ctx context.Context, user domain.UserID, fileURL, filename string, size int64) error
	FromURL(ctx context.Context, user domain.UserID, link string) error
}

var _ Ingester = (*ingest.Ingester)(nil)

// Definitions builds the command tree under root with descriptions in
// every available locale.
func Definitions(root string, loc Localizer) []*discordgo.ApplicationCommand {
	desc, locs := describe(loc, "base")
	minSeconds := 0.0
	return []*discordgo.ApplicationCommand{{
		Name:                     root,
		Description:              desc,
		DescriptionLocalizations: &locs,
		Options: []*discordgo.ApplicationCommandOption{
			option(loc, discordgo.ApplicationCommandOptionSubCommand, "clear", "base-clear"),
			option(loc, discordgo.ApplicationCommandOptionSubCommandGroup, "set", "base-set",
				option(loc, discordgo.ApplicationCommandOptionSubCommand, "file", "base-set-file",
					required(option(loc, discordgo.ApplicationCommandOptionAttachment, "attachment", "base-set-file-attachment"))),
				option(loc, discordgo.ApplicationCommandOptionSubCommand, "url", "base-set-url",
					required(option(loc, discordgo.ApplicationCommandOptionString, "link", "base-set-url-link"))),
			),
			option(loc, discordgo.ApplicationCommandOptionSubCommandGroup, "admin", "base-admin",
				option(loc, discordgo.ApplicationCommandOptionSubCommand, "restrict", "base-admin-restrict",
					required(option(loc, discordgo.ApplicationCommandOptionRole, "role", "base-admin-restrict-role"))),
				option(loc, discordgo.ApplicationCommandOptionSubCommand, "duration", "base-admin-duration",
					withRange(required(option(loc, discordgo.ApplicationCommandOptionInteger, "seconds", "base-admin-duration-seconds")), &minSeconds, maxChimeSeconds)),
			),
		},
	}}
}

func option(loc Localizer, kind discordgo.ApplicationCommandOptionType, name, key string, children ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
	desc, locs := describe(loc, key)
	return &discordgo.ApplicationCommandOption{
		Type:                     kind,
		Name:                     name,
		Description:              desc,
		DescriptionLocalizations: locs,
		Options:                  children,
	}
}

func required(o *discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
	o.Required = true
	return o
}

func withRange(o *discordgo.ApplicationCommandOption, lo *float64, hi float64) *discordgo.ApplicationCommandOption {
	o.MinValue = lo
	o.MaxValue = hi
	return o
}

func describe(loc Localizer, key string) (string, map[discordgo.Locale]string) {
	fallback := loc.Fallback()
	locs := make(map[discordgo.Locale]string)
	for _, tag := range loc.Available() {
		if tag == fallback {
			continue
		}
		locs[discordgo.Locale(tag)] = loc.Localize(tag, key)
	}
	return loc.Localize(fallback, key), locs
}

// Invocation is a parsed slash command.
type Invocation struct {
	Name string
	// Path is the space separated subcommand path, e.g. "set file".
	Path        string
	SessionID   domain.SessionID
	UserID      domain.UserID
	Locale      string
	Permissions int64

	Attachment *discordgo.MessageAttachment
	Link       string
	Role       domain.RoleID
	Seconds    int64
}

// InGuild reports whether the command was issued inside a guild.
func (inv Invocation) InGuild() bool { return inv.SessionID != "" }

func parseInvocation(i *discordgo.Interaction) (Invocation, error) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return Invocation{}, fmt.Errorf("unexpected interaction type %v", i.Type)
	}
	data := i.ApplicationCommandData()
	inv := Invocation{
		Name:      data.Name,
		SessionID: domain.SessionID(i.GuildID),
		Locale:    string(i.Locale),
	}
	switch {
	case i.Member != nil && i.Member.User != nil:
		inv.UserID = domain.UserID(i.Member.User.ID)
		inv.Permissions = i.Member.Permissions
	case i.User != nil:
		inv.UserID = domain.UserID(i.User.ID)
	default:
		return Invocation{}, errors.New("interaction has no user")
	}

	var path []string
	opts := data.Options
	for len(opts) > 0 {
		head := opts[0]
		if head.Type != discordgo.ApplicationCommandOptionSubCommand && head.Type != discordgo.ApplicationCommandOptionSubCommandGroup {
			break
		}
		path = append(path, head.Name)
		opts = head.Options
	}
	if len(path) == 0 {
		return Invocation{}, errors.New("command has no subcommand")
	}
	inv.Path = strings.Join(path, " ")

	for _, o := range opts {
		switch o.Type {
		case discordgo.ApplicationCommandOptionAttachment:
			id, _ := o.Value.(string)
			if data.Resolved != nil {
				inv.Attachment = data.Resolved.Attachments[id]
			}
		case discordgo.ApplicationCommandOptionString:
			inv.Link = strings.TrimSpace(o.StringValue())
		case discordgo.ApplicationCommandOptionRole:
			id, _ := o.Value.(string)
			inv.Role = domain.RoleID(id)
		case discordgo.ApplicationCommandOptionInteger:
			inv.Seconds = o.IntValue()
		}
	}
	return inv, nil
}

// Commands executes parsed invocations against the stores.
type Commands struct {
	chimes   chime.Store
	policies policy.Store
	ingest   Ingester
	log      *zap.Logger
}

func NewCommands(chimes chime.Store, policies policy.Store, in Ingester, log *zap.Logger) *Commands {
	if log == nil {
		log = zap.NewNop()
	}
	return &Commands{chimes: chimes, policies: policies, ingest: in, log: log.Named("commands")}
}

// Handle runs inv and returns the response key to show the user.
func (c *Commands) Handle(ctx context.Context, inv Invocation) string {
	log := c.log.With(zap.String("user", inv.UserID.String()), zap.String("command", inv.Path))

	switch inv.Path {
	case "clear":
		if err := c.chimes.Clear(ctx, inv.UserID); err != nil {
			log.Error("could not clear chime", zap.Error(err))
			return keyInternalError
		}
		log.Info("chime cleared")
		return keySuccess

	case "set file":
		if inv.Attachment == nil {
			log.Warn("attachment missing from command")
			return keyFail
		}
		a := inv.Attachment
		return c.ingested(log, c.ingest.FromAttachment(ctx, inv.UserID, a.URL, a.Filename, int64(a.Size)))

	case "set url":
		if inv.Link == "" {
			return ingest.ErrBadURL.Key
		}
		return c.ingested(log, c.ingest.FromURL(ctx, inv.UserID, inv.Link))

	case "admin restrict", "admin duration":
		return c.admin(ctx, log, inv)

	default:
		log.Warn("unknown command")
		return keyFail
	}
}

func (c *Commands) ingested(log *zap.Logger, err error) string {
	if err != nil {
		log.Info("chime rejected", zap.Error(err))
		return ingest.KeyOf(err)
	}
	return keySuccess
}

func (c *Commands) admin(ctx context.Context, log *zap.Logger, inv Invocation) string {
	if !inv.InGuild() {
		return keyOnlyInGuilds
	}
	if inv.Permissions&discordgo.PermissionAdministrator == 0 && inv.Permissions&discordgo.PermissionManageServer == 0 {
		log.Warn("admin command without permissions")
		return keyMissingPermissions
	}

	details, err := policy.Lookup(ctx, c.policies, inv.SessionID)
	if err != nil {
		log.Error("could not load session details", zap.Error(err))
		return keyInternalError
	}
	details.SessionID = inv.SessionID

	switch inv.Path {
	case "admin restrict":
		if inv.Role == "" {
			return keyFail
		}
		details.ChimeRoleID = inv.Role
	case "admin duration":
		if inv.Seconds < 0 || inv.Seconds > maxChimeSeconds {
			log.Info("duration out of range", zap.Int64("seconds", inv.Seconds))
			return keyFail
		}
		details.ChimeDurationMax = time.Duration(inv.Seconds) * time.Second
	}

	if err := c.policies.Save(ctx, details); err != nil {
		log.Error("could not save session details", zap.Error(err))
		return keyInternalError
	}
	log.Info("session details updated",
		zap.String("session", inv.SessionID.String()),
		zap.String("chime_role", details.ChimeRoleID.String()),
		zap.Duration("chime_duration_max", details.ChimeDurationMax))
	return keySuccess
}
