package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/clock"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/voice"
)

type fakeConn struct{}

func (fakeConn) Deafen(context.Context, bool) error { return nil }
func (fakeConn) Play(context.Context, chime.Asset) (voice.Track, error) {
	return nil, errors.New("not implemented")
}

type fakeConns struct {
	mu       sync.Mutex
	open     map[domain.SessionID]bool
	leaves   map[domain.SessionID]int
	leaveErr error

	// When set, Leave signals entered and blocks until gate is closed.
	entered chan struct{}
	gate    chan struct{}
}

func newFakeConns(open ...domain.SessionID) *fakeConns {
	f := &fakeConns{open: map[domain.SessionID]bool{}, leaves: map[domain.SessionID]int{}}
	for _, id := range open {
		f.open[id] = true
	}
	return f
}

func (f *fakeConns) Join(_ context.Context, s domain.SessionID, _ domain.ChannelID) (voice.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open[s] = true
	return fakeConn{}, nil
}

func (f *fakeConns) Leave(_ context.Context, s domain.SessionID) error {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves[s]++
	if f.leaveErr != nil {
		return f.leaveErr
	}
	delete(f.open, s)
	return nil
}

func (f *fakeConns) Get(s domain.SessionID) (voice.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open[s] {
		return fakeConn{}, true
	}
	return nil, false
}

func (f *fakeConns) leaveCount(s domain.SessionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves[s]
}

type source struct{ conns voice.ConnectionManager }

func (s source) Connections() (voice.ConnectionManager, bool) {
	return s.conns, s.conns != nil
}

func flagOf(t *testing.T, a *Activity, id domain.SessionID) State {
	t.Helper()
	for _, st := range a.Snapshot() {
		if st.SessionID == id {
			return st
		}
	}
	t.Fatalf("session %s not tracked", id)
	return State{}
}

func TestTickClearsActiveFlagWithoutLeaving(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	conns := newFakeConns("g1")
	sup := NewSupervisor(activity, source{conns}, time.Minute, nil, zaptest.NewLogger(t))

	activity.Begin("g1")
	activity.End("g1", true)

	sup.Tick(context.Background())
	assert.False(t, flagOf(t, activity, "g1").Active)
	assert.Equal(t, 0, conns.leaveCount("g1"))

	sup.Tick(context.Background())
	assert.Equal(t, 1, conns.leaveCount("g1"))
}

func TestIdleSessionIsLeftExactlyOnce(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	conns := newFakeConns("g1")
	sup := NewSupervisor(activity, source{conns}, time.Minute, nil, zaptest.NewLogger(t))

	activity.Begin("g1")
	activity.End("g1", false)

	sup.Tick(context.Background())
	sup.Tick(context.Background())
	assert.Equal(t, 1, conns.leaveCount("g1"))
}

func TestTickSkippedWithoutPlatformContext(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	sup := NewSupervisor(activity, source{}, time.Minute, nil, zaptest.NewLogger(t))

	activity.Begin("g1")
	activity.End("g1", true)
	sup.Tick(context.Background())

	assert.True(t, flagOf(t, activity, "g1").Active)
}

func TestBusySessionIsNotLeft(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	conns := newFakeConns("g1")
	sup := NewSupervisor(activity, source{conns}, time.Minute, nil, zaptest.NewLogger(t))

	activity.Begin("g1")
	sup.Tick(context.Background())
	sup.Tick(context.Background())
	assert.Equal(t, 0, conns.leaveCount("g1"))

	activity.End("g1", true)
	sup.Tick(context.Background())
	sup.Tick(context.Background())
	assert.Equal(t, 1, conns.leaveCount("g1"))
}

func TestSessionWithoutConnectionIsIgnored(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	conns := newFakeConns()
	sup := NewSupervisor(activity, source{conns}, time.Minute, nil, zaptest.NewLogger(t))

	activity.End("g1", false)
	sup.Tick(context.Background())
	assert.Equal(t, 0, conns.leaveCount("g1"))
}

func TestFailedLeaveIsRetriedNextTick(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	conns := newFakeConns("g1")
	conns.leaveErr = errors.New("gateway unavailable")
	sup := NewSupervisor(activity, source{conns}, time.Minute, nil, zaptest.NewLogger(t))

	var (
		mu     sync.Mutex
		failed int
	)
	sup.SetLeaveHook(func(_ domain.SessionID, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			failed++
		}
	})

	activity.End("g1", false)
	sup.Tick(context.Background())
	sup.Tick(context.Background())

	assert.Equal(t, 2, conns.leaveCount("g1"))
	mu.Lock()
	assert.Equal(t, 2, failed)
	mu.Unlock()
}

func TestRunTicksOnClock(t *testing.T) {
	t.Parallel()

	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	activity := NewActivity()
	conns := newFakeConns("g1")
	sup := NewSupervisor(activity, source{conns}, time.Minute, clk, zaptest.NewLogger(t))

	left := make(chan domain.SessionID, 1)
	sup.SetLeaveHook(func(id domain.SessionID, err error) {
		assert.NoError(t, err)
		left <- id
	})
	activity.End("g1", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Run(ctx)
	}()

	clk.WaitForTimers(1)
	clk.Advance(time.Minute)

	select {
	case id := <-left:
		assert.Equal(t, domain.SessionID("g1"), id)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not leave the idle session")
	}

	cancel()
	<-done
}

func TestBeginWaitsForInFlightLeave(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	conns := newFakeConns("g1")
	conns.entered = make(chan struct{}, 1)
	conns.gate = make(chan struct{})
	sup := NewSupervisor(activity, source{conns}, time.Minute, nil, zaptest.NewLogger(t))

	activity.End("g1", false)

	ticked := make(chan struct{})
	go func() {
		defer close(ticked)
		sup.Tick(context.Background())
	}()
	<-conns.entered

	begun := make(chan struct{})
	go func() {
		defer close(begun)
		activity.Begin("g1")
	}()

	select {
	case <-begun:
		t.Fatal("Begin returned while the session was being left")
	case <-time.After(50 * time.Millisecond):
	}

	close(conns.gate)
	<-ticked
	select {
	case <-begun:
	case <-time.After(time.Second):
		t.Fatal("Begin did not resume after the leave finished")
	}

	assert.True(t, flagOf(t, activity, "g1").Busy)
	assert.Equal(t, 1, conns.leaveCount("g1"))
}

func TestBusyWorkerBlocksLeaveClaim(t *testing.T) {
	t.Parallel()

	activity := NewActivity()
	activity.End("g1", false)
	activity.Begin("g1")

	assert.False(t, activity.claimLeave("g1"))
	activity.End("g1", true)
	assert.False(t, activity.claimLeave("g1"))
	activity.sweep()
	assert.True(t, activity.claimLeave("g1"))
	assert.False(t, activity.claimLeave("g1"))
	activity.releaseLeave("g1")
}
