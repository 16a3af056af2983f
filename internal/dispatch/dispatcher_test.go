package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/clock"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/policy"
	"github.com/ent0n29/chimebot/internal/session"
)

type harness struct {
	d        *Dispatcher
	chimes   *fakeChimes
	policies *policy.InMemoryStore
	activity *session.Activity
	platform *fakePlatform
	clock    *clock.FakeClock
}

func newHarness(t *testing.T, users ...domain.UserID) *harness {
	t.Helper()
	h := &harness{
		chimes:   newFakeChimes(users...),
		policies: policy.NewInMemoryStore(),
		activity: session.NewActivity(),
		platform: newFakePlatform(),
		clock:    clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.d = New(h.chimes, h.policies, h.activity, Options{
		BusSize:     16,
		PlaybackCap: 10 * time.Second,
		Clock:       h.clock,
		Logger:      zaptest.NewLogger(t),
	})
	t.Cleanup(h.d.Close)
	return h
}

func (h *harness) join(user domain.UserID, sessionID domain.SessionID, channel domain.ChannelID) bool {
	return h.d.OnPresenceTransition(context.Background(), Transition{
		UserID:   user,
		After:    Placement{SessionID: sessionID, ChannelID: channel},
		Platform: h.platform,
	})
}

func (h *harness) nextPlay(t *testing.T) play {
	t.Helper()
	select {
	case p := <-h.platform.conns.plays:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no chime was played")
		return play{}
	}
}

func (h *harness) state(id domain.SessionID) session.State {
	for _, st := range h.activity.Snapshot() {
		if st.SessionID == id {
			return st
		}
	}
	return session.State{SessionID: id}
}

func TestOnSessionSeenSpawnsSingleWorker(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.d.OnSessionSeen(context.Background(), "g1", h.platform)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.d.Workers())
	assert.Equal(t, 1, h.d.bus.Len())
	assert.True(t, h.d.Ready())
}

func TestTransitionWithoutChimeIsNotBroadcast(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	observer := h.d.Subscribe()

	assert.False(t, h.join("u1", "g1", "c1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := observer.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTransitionFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tr   Transition
		want bool
	}{
		{
			name: "first placement",
			tr:   Transition{UserID: "u1", After: Placement{SessionID: "g1", ChannelID: "c1"}},
			want: true,
		},
		{
			name: "automated user",
			tr:   Transition{UserID: "u1", Automated: true, After: Placement{SessionID: "g1", ChannelID: "c1"}},
		},
		{
			name: "left voice",
			tr:   Transition{UserID: "u1", Before: &Placement{SessionID: "g1", ChannelID: "c1"}, After: Placement{SessionID: "g1"}},
		},
		{
			name: "same channel",
			tr:   Transition{UserID: "u1", Before: &Placement{SessionID: "g1", ChannelID: "c1"}, After: Placement{SessionID: "g1", ChannelID: "c1"}},
		},
		{
			name: "move within session",
			tr:   Transition{UserID: "u1", Before: &Placement{SessionID: "g1", ChannelID: "c1"}, After: Placement{SessionID: "g1", ChannelID: "c2"}},
		},
		{
			name: "rejoin after leaving",
			tr:   Transition{UserID: "u1", Before: &Placement{SessionID: "g1"}, After: Placement{SessionID: "g1", ChannelID: "c1"}},
			want: true,
		},
		{
			name: "move across sessions",
			tr:   Transition{UserID: "u1", Before: &Placement{SessionID: "g2", ChannelID: "c9"}, After: Placement{SessionID: "g1", ChannelID: "c1"}},
			want: true,
		},
		{
			name: "no session",
			tr:   Transition{UserID: "u1", After: Placement{ChannelID: "c1"}},
		},
		{
			name: "user without chime",
			tr:   Transition{UserID: "u2", After: Placement{SessionID: "g1", ChannelID: "c1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, "u1")
			tt.tr.Platform = h.platform
			assert.Equal(t, tt.want, h.d.OnPresenceTransition(context.Background(), tt.tr))
		})
	}
}

func TestWorkerJoinsPlaysAndMarksActive(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "u1")
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)

	track := newFakeTrack(2*time.Second, true)
	h.platform.conns.queueTrack(track)
	require.True(t, h.join("u1", "g1", "c1"))

	p := h.nextPlay(t)
	assert.Equal(t, domain.SessionID("g1"), p.session)
	assert.Equal(t, domain.ChannelID("c1"), p.channel)
	assert.Equal(t, domain.UserID("u1"), p.asset.UserID)
	assert.True(t, p.deaf)

	h.clock.WaitForTimers(1)
	assert.True(t, h.state("g1").Busy)
	assert.False(t, h.state("g1").Active)

	h.clock.Advance(2 * time.Second)
	assert.Eventually(t, func() bool {
		st := h.state("g1")
		return st.Active && !st.Busy
	}, 5*time.Second, 5*time.Millisecond)

	select {
	case <-track.stopped:
		t.Fatal("track played to its end and should not be stopped")
	default:
	}
}

func TestWorkerDoesNotReplayEventsBeforeSubscribe(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "early", "late")

	require.True(t, h.join("early", "g1", "c1"))
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)
	require.True(t, h.join("late", "g1", "c1"))

	p := h.nextPlay(t)
	assert.Equal(t, domain.UserID("late"), p.asset.UserID)
	assert.Equal(t, 1, h.platform.conns.joinCount())
}

func TestWorkerIgnoresOtherSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "u1", "u2")
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)

	require.True(t, h.join("u1", "g2", "c5"))
	require.True(t, h.join("u2", "g1", "c1"))

	p := h.nextPlay(t)
	assert.Equal(t, domain.SessionID("g1"), p.session)
	assert.Equal(t, domain.UserID("u2"), p.asset.UserID)
	assert.Equal(t, 1, h.platform.conns.joinCount())
}

func TestRestrictedMemberNeverJoins(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "outsider", "member")
	require.NoError(t, h.policies.Save(context.Background(), policy.Details{SessionID: "g1", ChimeRoleID: "r1"}))
	h.platform.setRoles("outsider", "r2")
	h.platform.setRoles("member", "r2", "r1")
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)

	require.True(t, h.join("outsider", "g1", "c1"))
	require.True(t, h.join("member", "g1", "c1"))

	p := h.nextPlay(t)
	assert.Equal(t, domain.UserID("member"), p.asset.UserID)
	assert.Equal(t, 1, h.platform.conns.joinCount())
}

func TestPlaybackIsCutAtSessionMaximum(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "u1")
	require.NoError(t, h.policies.Save(context.Background(), policy.Details{SessionID: "g1", ChimeDurationMax: time.Second}))
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)

	track := newFakeTrack(time.Minute, true)
	h.platform.conns.queueTrack(track)
	require.True(t, h.join("u1", "g1", "c1"))
	h.nextPlay(t)

	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Second)

	select {
	case <-track.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("track was not stopped at the session maximum")
	}
}

func TestPlaybackIsCutAtGlobalCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "u1")
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)

	track := newFakeTrack(time.Hour, true)
	h.platform.conns.queueTrack(track)
	require.True(t, h.join("u1", "g1", "c1"))
	h.nextPlay(t)

	h.clock.WaitForTimers(1)
	h.clock.Advance(9 * time.Second)
	select {
	case <-track.stopped:
		t.Fatal("track stopped before the cap")
	default:
	}

	h.clock.Advance(time.Second)
	select {
	case <-track.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("track was not stopped at the playback cap")
	}
}

func TestTracksPlaySequentiallyWithinSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "u1", "u2")
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)

	first := newFakeTrack(3*time.Second, true)
	h.platform.conns.queueTrack(first)
	require.True(t, h.join("u1", "g1", "c1"))
	require.True(t, h.join("u2", "g1", "c1"))

	assert.Equal(t, domain.UserID("u1"), h.nextPlay(t).asset.UserID)
	h.clock.WaitForTimers(1)

	select {
	case <-h.platform.conns.plays:
		t.Fatal("second chime started while the first was playing")
	case <-time.After(20 * time.Millisecond):
	}

	first.Stop()
	assert.Equal(t, domain.UserID("u2"), h.nextPlay(t).asset.UserID)
}

func TestFetchFailureDiscardsEvent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "u1")
	h.chimes.inputErr = chime.ErrPlayback
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)

	require.True(t, h.join("u1", "g1", "c1"))

	assert.Eventually(t, func() bool {
		st := h.state("g1")
		return h.platform.conns.joinCount() == 1 && !st.Busy
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, h.state("g1").Active)

	_, open := h.platform.conns.Get("g1")
	assert.True(t, open)
}

func TestJoinFailureDiscardsEventAndWorkerContinues(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "u1")
	h.platform.conns.mu.Lock()
	h.platform.conns.joinErr = errors.New("no permission")
	h.platform.conns.mu.Unlock()
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)

	require.True(t, h.join("u1", "g1", "c1"))
	assert.Eventually(t, func() bool { return h.platform.conns.joinCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	h.platform.conns.mu.Lock()
	h.platform.conns.joinErr = nil
	h.platform.conns.mu.Unlock()

	require.True(t, h.join("u1", "g1", "c2"))
	assert.Equal(t, domain.ChannelID("c2"), h.nextPlay(t).channel)
}

func TestCloseStopsWorkers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, "u1")
	h.d.OnSessionSeen(context.Background(), "g1", h.platform)
	h.d.OnSessionSeen(context.Background(), "g2", h.platform)

	done := make(chan struct{})
	go func() {
		h.d.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not wait for workers to exit")
	}

	h.d.OnSessionSeen(context.Background(), "g3", h.platform)
	assert.Equal(t, 2, h.d.Workers())
}
