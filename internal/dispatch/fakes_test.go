package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/chimebot/internal/chime"
	"github.com/ent0n29/chimebot/internal/domain"
	"github.com/ent0n29/chimebot/internal/voice"
)

type fakeChimes struct {
	mu       sync.Mutex
	chimes   map[domain.UserID]string
	inputErr error
}

func newFakeChimes(users ...domain.UserID) *fakeChimes {
	f := &fakeChimes{chimes: map[domain.UserID]string{}}
	for _, u := range users {
		f.chimes[u] = "/chimes/" + string(u) + ".mp3"
	}
	return f
}

func (f *fakeChimes) HasData(_ context.Context, u domain.UserID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chimes[u]
	return ok
}

func (f *fakeChimes) Input(_ context.Context, u domain.UserID) (chime.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputErr != nil {
		return chime.Asset{}, f.inputErr
	}
	p, ok := f.chimes[u]
	if !ok {
		return chime.Asset{}, chime.ErrNotAvailable
	}
	return chime.Asset{UserID: u, Path: p}, nil
}

func (f *fakeChimes) Save(context.Context, domain.UserID, []byte) error { return nil }
func (f *fakeChimes) Clear(context.Context, domain.UserID) error        { return nil }
func (f *fakeChimes) Close() error                                      { return nil }

type fakeTrack struct {
	length  time.Duration
	known   bool
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newFakeTrack(length time.Duration, known bool) *fakeTrack {
	return &fakeTrack{length: length, known: known, done: make(chan struct{}), stopped: make(chan struct{})}
}

func (t *fakeTrack) Duration() (time.Duration, bool) { return t.length, t.known }
func (t *fakeTrack) Done() <-chan struct{}           { return t.done }
func (t *fakeTrack) Stop() {
	t.once.Do(func() {
		close(t.stopped)
		close(t.done)
	})
}

type play struct {
	session domain.SessionID
	channel domain.ChannelID
	asset   chime.Asset
	deaf    bool
}

type fakeConn struct {
	conns   *fakeConns
	session domain.SessionID
	channel domain.ChannelID

	mu   sync.Mutex
	deaf bool
}

func (c *fakeConn) Deafen(_ context.Context, deaf bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deaf = deaf
	return nil
}

func (c *fakeConn) Play(_ context.Context, asset chime.Asset) (voice.Track, error) {
	c.mu.Lock()
	deaf := c.deaf
	c.mu.Unlock()

	track, err := c.conns.nextTrack()
	if err != nil {
		return nil, err
	}
	c.conns.plays <- play{session: c.session, channel: c.channel, asset: asset, deaf: deaf}
	return track, nil
}

type fakeConns struct {
	mu      sync.Mutex
	open    map[domain.SessionID]*fakeConn
	joins   int
	joinErr error
	playErr error
	tracks  []*fakeTrack
	plays   chan play
}

func newFakeConns() *fakeConns {
	return &fakeConns{open: map[domain.SessionID]*fakeConn{}, plays: make(chan play, 16)}
}

// queueTrack sets the track returned by the next Play call. Without a queued
// track Play returns a track of unknown length.
func (f *fakeConns) queueTrack(t *fakeTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, t)
}

func (f *fakeConns) nextTrack() (*fakeTrack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return nil, f.playErr
	}
	if len(f.tracks) == 0 {
		return newFakeTrack(0, false), nil
	}
	t := f.tracks[0]
	f.tracks = f.tracks[1:]
	return t, nil
}

func (f *fakeConns) Join(_ context.Context, s domain.SessionID, ch domain.ChannelID) (voice.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	if f.joinErr != nil {
		return nil, f.joinErr
	}
	c := &fakeConn{conns: f, session: s, channel: ch}
	f.open[s] = c
	return c, nil
}

func (f *fakeConns) Leave(_ context.Context, s domain.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.open[s]; !ok {
		return voice.ErrNotConnected
	}
	delete(f.open, s)
	return nil
}

func (f *fakeConns) Get(s domain.SessionID) (voice.Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.open[s]
	if !ok {
		return nil, false
	}
	return c, true
}

func (f *fakeConns) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

type fakePlatform struct {
	conns *fakeConns

	mu    sync.Mutex
	roles map[domain.UserID][]domain.RoleID
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{conns: newFakeConns(), roles: map[domain.UserID][]domain.RoleID{}}
}

func (p *fakePlatform) Voice() (voice.ConnectionManager, bool) { return p.conns, true }

func (p *fakePlatform) MemberRoles(_ context.Context, _ domain.SessionID, u domain.UserID) ([]domain.RoleID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	roles, ok := p.roles[u]
	if !ok {
		return nil, errors.New("member not found")
	}
	return roles, nil
}

func (p *fakePlatform) setRoles(u domain.UserID, roles ...domain.RoleID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[u] = roles
}
