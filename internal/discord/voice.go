package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/audio"
	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/voice"
)

const (
	// opusSendTimeout ends a stream whose voice sink stopped reading.
	opusSendTimeout = 2 * time.Second
	// trackSlack is how far a stream may run past its probed length.
	trackSlack = time.Second
)

// VoiceManager serves one voice connection per guild over discordgo.
type VoiceManager struct {
	session *discordgo.Session
	tools   audio.Tools
	log     *zap.Logger

	sendTimeout time.Duration
	disconnect  func(*discordgo.VoiceConnection) error

	mu    sync.Mutex
	conns map[domain.SessionID]*connection
}

func NewVoiceManager(s *discordgo.Session, tools audio.Tools, log *zap.Logger) *VoiceManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &VoiceManager{
		session:     s,
		tools:       tools,
		log:         log.Named("voice"),
		sendTimeout: opusSendTimeout,
		disconnect:  (*discordgo.VoiceConnection).Disconnect,
		conns:       make(map[domain.SessionID]*connection),
	}
}

// Join connects to channel self-deafened, moving an existing connection in
// the guild.
func (m *VoiceManager) Join(ctx context.Context, session domain.SessionID, channel domain.ChannelID) (voice.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := m.session.ChannelVoiceJoin(session.String(), channel.String(), false, true)
	if err != nil {
		return nil, fmt.Errorf("join %s/%s: %w", session, channel, err)
	}
	return m.wrap(session, vc), nil
}

// Leave stops every track on the session's connection, then disconnects.
func (m *VoiceManager) Leave(_ context.Context, session domain.SessionID) error {
	vc, ok := m.lookup(session)

	m.mu.Lock()
	c := m.conns[session]
	delete(m.conns, session)
	m.mu.Unlock()

	if c != nil {
		c.stopTracks()
	}
	if !ok {
		return voice.ErrNotConnected
	}
	if err := m.disconnect(vc); err != nil {
		return fmt.Errorf("leave %s: %w", session, err)
	}
	return nil
}

func (m *VoiceManager) Get(session domain.SessionID) (voice.Connection, bool) {
	vc, ok := m.lookup(session)
	if !ok {
		return nil, false
	}
	return m.wrap(session, vc), true
}

// LeaveAll disconnects every open voice connection.
func (m *VoiceManager) LeaveAll(ctx context.Context) {
	m.session.RLock()
	ids := make([]domain.SessionID, 0, len(m.session.VoiceConnections))
	for id := range m.session.VoiceConnections {
		ids = append(ids, domain.SessionID(id))
	}
	m.session.RUnlock()

	for _, id := range ids {
		if err := m.Leave(ctx, id); err != nil && !errors.Is(err, voice.ErrNotConnected) {
			m.log.Warn("could not leave voice on shutdown", zap.String("session", id.String()), zap.Error(err))
		}
	}
}

func (m *VoiceManager) lookup(session domain.SessionID) (*discordgo.VoiceConnection, bool) {
	m.session.RLock()
	defer m.session.RUnlock()
	vc, ok := m.session.VoiceConnections[session.String()]
	return vc, ok && vc != nil
}

func (m *VoiceManager) wrap(session domain.SessionID, vc *discordgo.VoiceConnection) *connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[session]
	if !ok || c.vc != vc {
		if ok {
			c.stopTracks()
		}
		c = newConnection(vc, m.tools, m.sendTimeout, m.log.With(zap.String("session", session.String())))
		m.conns[session] = c
	}
	return c
}

// packetSource yields Opus packets until io.EOF.
type packetSource interface {
	Next() ([]byte, error)
	Close() error
}

type connection struct {
	vc          *discordgo.VoiceConnection
	tools       audio.Tools
	sendTimeout time.Duration
	log         *zap.Logger

	mu     sync.Mutex
	deaf   bool
	tracks map[*track]struct{}

	// streaming serializes tracks on the connection.
	streaming sync.Mutex
}

func newConnection(vc *discordgo.VoiceConnection, tools audio.Tools, sendTimeout time.Duration, log *zap.Logger) *connection {
	return &connection{
		vc:          vc,
		tools:       tools,
		sendTimeout: sendTimeout,
		log:         log,
		deaf:        true,
		tracks:      make(map[*track]struct{}),
	}
}

// Deafen updates the voice state only when it differs from the last one
// sent.
func (c *connection) Deafen(_ context.Context, deaf bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deaf == deaf {
		return nil
	}
	c.vc.RLock()
	channel := c.vc.ChannelID
	c.vc.RUnlock()
	if err := c.vc.ChangeChannel(channel, false, deaf); err != nil {
		return err
	}
	c.deaf = deaf
	return nil
}

// Play probes the asset for its length and starts streaming it.
func (c *connection) Play(ctx context.Context, asset chime.Asset) (voice.Track, error) {
	length, err := c.tools.Probe(ctx, asset.Path)
	known := err == nil
	if !known {
		c.log.Warn("chime length unknown", zap.String("path", asset.Path), zap.Error(err))
	}

	playCtx, cancel := context.WithCancel(ctx)
	tc, err := c.tools.Transcode(playCtx, asset.Path)
	if err != nil {
		cancel()
		return nil, err
	}
	return c.start(playCtx, cancel, tc, length, known), nil
}

func (c *connection) start(ctx context.Context, cancel context.CancelFunc, src packetSource, length time.Duration, known bool) *track {
	t := &track{length: length, known: known, done: make(chan struct{}), cancel: cancel}
	c.mu.Lock()
	c.tracks[t] = struct{}{}
	c.mu.Unlock()

	go c.stream(ctx, src, t)
	return t
}

func (c *connection) stopTracks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for t := range c.tracks {
		t.cancel()
	}
}

func (c *connection) stream(ctx context.Context, src packetSource, t *track) {
	defer close(t.done)
	defer func() {
		c.mu.Lock()
		delete(c.tracks, t)
		c.mu.Unlock()
	}()
	defer t.cancel()
	defer src.Close()

	c.streaming.Lock()
	defer c.streaming.Unlock()

	if t.known {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, t.length+trackSlack)
		defer stop()
	}

	if err := c.vc.Speaking(true); err != nil {
		c.log.Warn("could not set speaking", zap.Error(err))
	}
	defer func() { _ = c.vc.Speaking(false) }()

	stalled := time.NewTimer(c.sendTimeout)
	defer stalled.Stop()
	for {
		packet, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.log.Warn("chime stream ended early", zap.Error(err))
			}
			return
		}
		stalled.Reset(c.sendTimeout)
		select {
		case c.vc.OpusSend <- packet:
		case <-ctx.Done():
			return
		case <-stalled.C:
			c.log.Warn("voice sink stopped reading, dropping chime")
			return
		}
	}
}

type track struct {
	length time.Duration
	known  bool
	done   chan struct{}
	cancel context.CancelFunc
}

func (t *track) Duration() (time.Duration, bool) { return t.length, t.known }
func (t *track) Done() <-chan struct{}           { return t.done }
func (t *track) Stop()                           { t.cancel() }
