package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/clock"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/voice"
)

const DefaultIdlePeriod = 5 * time.Minute

// ConnectionSource yields the connection manager of the most recently
// observed platform context. ok is false until a context has been seen.
type ConnectionSource interface {
	Connections() (voice.ConnectionManager, bool)
}

// Supervisor periodically disconnects sessions that served no chime during
// a full period. A session goes idle after one to two periods.
type Supervisor struct {
	activity *Activity
	source   ConnectionSource
	clock    clock.Clock
	period   time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	onLeave func(domain.SessionID, error)
}

func NewSupervisor(activity *Activity, source ConnectionSource, period time.Duration, clk clock.Clock, log *zap.Logger) *Supervisor {
	if period <= 0 {
		period = DefaultIdlePeriod
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		activity: activity,
		source:   source,
		clock:    clk,
		period:   period,
		log:      log.Named("supervisor"),
	}
}

// SetLeaveHook registers a callback invoked after every disconnect attempt.
func (s *Supervisor) SetLeaveHook(hook func(domain.SessionID, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLeave = hook
}

// Run ticks until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs a single supervision pass. No lock is held while talking to
// the platform.
func (s *Supervisor) Tick(ctx context.Context) {
	conns, ok := s.source.Connections()
	if !ok {
		s.log.Debug("no platform context observed yet, skipping tick")
		return
	}

	idle := s.activity.sweep()

	s.mu.Lock()
	hook := s.onLeave
	s.mu.Unlock()

	for _, id := range idle {
		if _, open := conns.Get(id); !open {
			continue
		}
		// A worker may have started on this session since the sweep.
		if !s.activity.claimLeave(id) {
			continue
		}
		err := conns.Leave(ctx, id)
		s.activity.releaseLeave(id)
		if err != nil {
			s.log.Warn("idle disconnect failed", zap.String("session", id.String()), zap.Error(err))
		} else {
			s.log.Info("left idle session", zap.String("session", id.String()))
		}
		if hook != nil {
			hook(id, err)
		}
	}
}
