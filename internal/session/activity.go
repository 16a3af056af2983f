// Package session tracks per-session chime activity and disconnects voice
// sessions that have gone idle.
package session

import (
	"sort"
	"sync"

	"github.com/ent0n29/chimebot/internal/domain"
)

// State is a point-in-time view of one session's activity.
type State struct {
	SessionID domain.SessionID `json:"session_id"`
	Active    bool             `json:"active"`
	Busy      bool             `json:"busy"`
}

type activity struct {
	active  bool
	busy    bool
	leaving bool
}

// Activity holds the activity flag of every session that has joined voice.
// A flag is true when the session served at least one chime since the last
// supervisor tick. Busy marks a session whose worker is between join and
// end of playback.
type Activity struct {
	mu    sync.Mutex
	left  *sync.Cond
	flags map[domain.SessionID]*activity
}

func NewActivity() *Activity {
	a := &Activity{flags: make(map[domain.SessionID]*activity)}
	a.left = sync.NewCond(&a.mu)
	return a
}

// Begin marks the session busy. Workers call it before joining. If the
// supervisor is disconnecting the session, Begin waits for that to finish
// so the worker joins a fresh connection.
func (a *Activity) Begin(session domain.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entryLocked(session)
	for e.leaving {
		a.left.Wait()
	}
	e.busy = true
}

// End clears the busy mark. played reports whether a chime was served, in
// which case the session is flagged active.
func (a *Activity) End(session domain.SessionID, played bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entryLocked(session)
	e.busy = false
	if played {
		e.active = true
	}
}

// Snapshot returns every tracked session ordered by id.
func (a *Activity) Snapshot() []State {
	a.mu.Lock()
	out := make([]State, 0, len(a.flags))
	for id, e := range a.flags {
		out = append(out, State{SessionID: id, Active: e.active, Busy: e.busy})
	}
	a.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// sweep resets every active flag and returns the sessions that were already
// inactive. Busy sessions are left alone.
func (a *Activity) sweep() []domain.SessionID {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idle []domain.SessionID
	for id, e := range a.flags {
		switch {
		case e.busy:
		case e.active:
			e.active = false
		default:
			idle = append(idle, id)
		}
	}
	return idle
}

// claimLeave marks an idle session as leaving and reports whether it did.
// Until releaseLeave, Begin blocks for that session.
func (a *Activity) claimLeave(session domain.SessionID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.flags[session]
	if !ok || e.active || e.busy || e.leaving {
		return false
	}
	e.leaving = true
	return true
}

func (a *Activity) releaseLeave(session domain.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.flags[session]; ok {
		e.leaving = false
	}
	a.left.Broadcast()
}

func (a *Activity) entryLocked(session domain.SessionID) *activity {
	e, ok := a.flags[session]
	if !ok {
		e = &activity{}
		a.flags[session] = e
	}
	return e
}
