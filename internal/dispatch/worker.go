package dispatch

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/bus"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/policy"
	"github.com/ent0n29/chimebot/internal/voice"
)

// worker serves the presence events of one session, one at a time.
type worker struct {
	session domain.SessionID
	sub     *bus.Subscription[PresenceEvent]
	d       *Dispatcher
	log     *zap.Logger
}

func (w *worker) run(ctx context.Context) {
	defer w.d.wg.Done()
	defer w.d.metrics.WorkerStopped()
	defer w.sub.Close()

	for {
		ev, err := w.sub.Receive(ctx)
		if err != nil {
			if !errors.Is(err, bus.ErrClosed) && !errors.Is(err, context.Canceled) {
				w.log.Warn("session worker stopped", zap.Error(err))
			}
			return
		}
		if ev.SessionID != w.session {
			continue
		}
		w.handle(ctx, ev)
	}
}

// handle plays the chime for ev. Every failure discards the event.
func (w *worker) handle(ctx context.Context, ev PresenceEvent) {
	log := w.log.With(zap.String("user", ev.UserID.String()), zap.String("channel", ev.ChannelID.String()))

	details, err := policy.Lookup(ctx, w.d.policies, w.session)
	if err != nil {
		log.Warn("policy lookup failed, treating session as unrestricted", zap.Error(err))
		details = policy.Details{SessionID: w.session}
	}
	if !w.allowed(ctx, ev, details, log) {
		w.d.metrics.ChimeFailed("policy")
		return
	}

	conns, ok := ev.Platform.Voice()
	if !ok {
		log.Warn("voice unavailable on platform")
		w.d.metrics.ChimeFailed("voice")
		return
	}

	played := false
	w.d.activity.Begin(w.session)
	defer func() { w.d.activity.End(w.session, played) }()

	conn, err := conns.Join(ctx, w.session, ev.ChannelID)
	if err != nil {
		log.Warn("could not join voice channel", zap.Error(err))
		w.d.metrics.ChimeFailed("join")
		return
	}

	asset, err := w.d.chimes.Input(ctx, ev.UserID)
	if err != nil {
		log.Warn("could not fetch chime", zap.Error(err))
		w.d.metrics.ChimeFailed("fetch")
		return
	}

	if err := conn.Deafen(ctx, true); err != nil {
		log.Debug("could not self-deafen", zap.Error(err))
	}
	track, err := conn.Play(ctx, asset)
	if err != nil {
		log.Warn("could not play chime", zap.Error(err))
		w.d.metrics.ChimeFailed("play")
		return
	}
	played = true
	w.d.metrics.ChimePlayed()
	log.Info("playing chime")

	w.wait(ctx, track, details.ChimeDurationMax)
}

func (w *worker) allowed(ctx context.Context, ev PresenceEvent, details policy.Details, log *zap.Logger) bool {
	role, restricted := details.Restriction()
	if !restricted {
		return true
	}
	roles, err := ev.Platform.MemberRoles(ctx, w.session, ev.UserID)
	if err != nil {
		log.Debug("could not resolve member roles", zap.Error(err))
		return false
	}
	return slices.Contains(roles, role)
}

// wait blocks until the track ends or its bounded duration elapses, then
// stops the track if it was cut short. Tracks of unknown length are not
// waited for.
func (w *worker) wait(ctx context.Context, track voice.Track, sessionMax time.Duration) {
	length, known := track.Duration()
	if !known {
		return
	}
	limit := length
	if sessionMax > 0 && sessionMax < limit {
		limit = sessionMax
	}
	if w.d.playbackCap < limit {
		limit = w.d.playbackCap
	}

	start := w.d.clock.Now()
	defer func() { w.d.metrics.ObservePlaybackWait(w.d.clock.Now().Sub(start)) }()

	select {
	case <-track.Done():
	case <-w.d.clock.After(limit):
		if limit < length {
			track.Stop()
		}
	case <-ctx.Done():
		track.Stop()
	case <-w.sub.Done():
		track.Stop()
	}
}
