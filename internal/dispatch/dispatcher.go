// Package dispatch turns voice presence changes into chime playback. A
// Dispatcher validates platform notifications and broadcasts them; one
// worker per session picks up the events addressed to it.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/bus"
	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/clock"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/observability"
	"github.com/ent0n29/chimebot/internal/policy"
	"github.com/ent0n29/chimebot/internal/session"
	"github.com/ent0n29/chimebot/internal/voice"
)

const DefaultPlaybackCap = 15 * time.Second

// Options tune a Dispatcher. Zero values pick defaults.
type Options struct {
	BusSize     int
	PlaybackCap time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

type Dispatcher struct {
	bus         *bus.Bus[PresenceEvent]
	chimes      chime.Store
	policies    policy.Store
	activity    *session.Activity
	clock       clock.Clock
	log         *zap.Logger
	metrics     *observability.Metrics
	playbackCap time.Duration

	mu      sync.Mutex
	workers map[domain.SessionID]struct{}
	closed  bool
	wg      sync.WaitGroup

	latestMu sync.RWMutex
	latest   Platform
}

func New(chimes chime.Store, policies policy.Store, activity *session.Activity, opts Options) *Dispatcher {
	if opts.PlaybackCap <= 0 {
		opts.PlaybackCap = DefaultPlaybackCap
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Dispatcher{
		bus:         bus.New[PresenceEvent](opts.BusSize),
		chimes:      chimes,
		policies:    policies,
		activity:    activity,
		clock:       opts.Clock,
		log:         opts.Logger.Named("dispatch"),
		metrics:     opts.Metrics,
		playbackCap: opts.PlaybackCap,
		workers:     make(map[domain.SessionID]struct{}),
	}
	opts.Metrics.RegisterBusDrops(d.bus.Dropped)
	return d
}

// SetPlatform records p as the latest usable platform context.
func (d *Dispatcher) SetPlatform(p Platform) {
	if p == nil {
		return
	}
	d.latestMu.Lock()
	defer d.latestMu.Unlock()
	d.latest = p
}

// Ready reports whether a platform context has been observed.
func (d *Dispatcher) Ready() bool {
	d.latestMu.RLock()
	defer d.latestMu.RUnlock()
	return d.latest != nil
}

// Connections returns the connection manager of the latest platform context.
func (d *Dispatcher) Connections() (voice.ConnectionManager, bool) {
	d.latestMu.RLock()
	p := d.latest
	d.latestMu.RUnlock()
	if p == nil {
		return nil, false
	}
	return p.Voice()
}

// OnPresenceTransition broadcasts a PresenceEvent when the transition moves
// a human user with a registered chime into a voice channel of a session
// they were not already in. It reports whether an event was broadcast.
func (d *Dispatcher) OnPresenceTransition(ctx context.Context, tr Transition) bool {
	result := d.filter(ctx, tr)
	d.metrics.PresenceEvent(result)
	if result != "broadcast" {
		d.log.Debug("presence transition ignored",
			zap.String("user", tr.UserID.String()),
			zap.String("reason", result))
		return false
	}

	d.SetPlatform(tr.Platform)
	d.bus.Broadcast(PresenceEvent{
		SessionID: tr.After.SessionID,
		ChannelID: tr.After.ChannelID,
		UserID:    tr.UserID,
		Platform:  tr.Platform,
	})
	return true
}

func (d *Dispatcher) filter(ctx context.Context, tr Transition) string {
	switch {
	case tr.Automated:
		return "automated"
	case tr.After.ChannelID == "":
		return "left_voice"
	case tr.Before != nil && tr.Before.ChannelID == tr.After.ChannelID:
		return "same_channel"
	case tr.After.SessionID == "":
		return "no_session"
	case tr.Before != nil && tr.Before.ChannelID != "" && tr.Before.SessionID == tr.After.SessionID:
		return "same_session"
	case tr.Platform == nil:
		return "no_platform"
	case !d.chimes.HasData(ctx, tr.UserID):
		return "no_chime"
	}
	return "broadcast"
}

// OnSessionSeen makes sure exactly one worker serves the session. The
// worker lives until the dispatcher is closed or ctx is done.
func (d *Dispatcher) OnSessionSeen(ctx context.Context, id domain.SessionID, p Platform) {
	d.SetPlatform(p)

	d.mu.Lock()
	if _, running := d.workers[id]; running || d.closed {
		d.mu.Unlock()
		return
	}
	// Subscribing under the guard keeps the worker from missing events
	// broadcast right after this call returns.
	sub := d.bus.Subscribe()
	d.workers[id] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.WorkerStarted()
	d.log.Info("session worker started", zap.String("session", id.String()))
	w := &worker{session: id, sub: sub, d: d, log: d.log.With(zap.String("session", id.String()))}
	go w.run(ctx)
}

// Workers reports the number of sessions with a worker.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Subscribe attaches an observer to the presence stream.
func (d *Dispatcher) Subscribe() *bus.Subscription[PresenceEvent] {
	return d.bus.Subscribe()
}

// Close stops every worker and waits for them to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.bus.Close()
	d.wg.Wait()
}
