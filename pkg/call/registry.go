package call

import (
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Registry owns every peer session of the current call, keyed by remote
// user id. It is the sole mutator of peer session state; handlers never
// touch connection maps directly.
//
// It also buffers "orphan" candidates: candidates from users that have no
// session yet, e.g. a caller trickling ICE while the local side is still
// ringing. Those move into the session's queue on Setup.
type Registry struct {
	mu sync.RWMutex

	factory PeerConnFactory
	sink    EventSink
	log     logging.LeveledLogger

	sessions map[string]*PeerSession

	orphans     map[string][]webrtc.ICECandidateInit
	orphanLimit int
}

func newRegistry(factory PeerConnFactory, sink EventSink, orphanLimit int, log logging.LeveledLogger) *Registry {
	if orphanLimit <= 0 {
		orphanLimit = 32
	}
	return &Registry{
		factory:     factory,
		sink:        sink,
		log:         log,
		sessions:    make(map[string]*PeerSession),
		orphans:     make(map[string][]webrtc.ICECandidateInit),
		orphanLimit: orphanLimit,
	}
}

// Setup creates a peer session for the remote user. It is idempotent: a
// second call for the same user is a logged no-op returning the existing
// session.
func (r *Registry) Setup(remoteUser string, initiator bool) (*PeerSession, bool, error) {
	r.mu.Lock()
	if existing, ok := r.sessions[remoteUser]; ok {
		r.mu.Unlock()
		r.log.Infof("peer session for %s already exists, setup skipped", remoteUser)
		return existing, false, nil
	}
	queued := r.orphans[remoteUser]
	delete(r.orphans, remoteUser)
	r.mu.Unlock()

	conn, err := r.factory.NewConn(remoteUser, r.sink)
	if err != nil {
		return nil, false, err
	}
	ps := newPeerSession(remoteUser, conn, initiator)
	for _, c := range queued {
		if err := ps.AddCandidate(c); err != nil {
			r.log.Warnf("queueing early candidate for %s: %v", remoteUser, err)
		}
	}

	r.mu.Lock()
	if existing, ok := r.sessions[remoteUser]; ok {
		// Lost a race with a concurrent setup for the same user.
		r.mu.Unlock()
		ps.Close()
		return existing, false, nil
	}
	r.sessions[remoteUser] = ps
	r.mu.Unlock()

	return ps, true, nil
}

// Get returns the session for a remote user, or nil.
func (r *Registry) Get(remoteUser string) *PeerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[remoteUser]
}

// Remove closes and forgets the session for a remote user. Returns false
// when no session existed.
func (r *Registry) Remove(remoteUser string) bool {
	r.mu.Lock()
	ps, ok := r.sessions[remoteUser]
	if ok {
		delete(r.sessions, remoteUser)
	}
	delete(r.orphans, remoteUser)
	r.mu.Unlock()

	if !ok {
		return false
	}
	if err := ps.Close(); err != nil {
		r.log.Warnf("closing peer session for %s: %v", remoteUser, err)
	}
	return true
}

// CloseAll closes every session. Safe to call with zero sessions.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	sessions := make([]*PeerSession, 0, len(r.sessions))
	for _, ps := range r.sessions {
		sessions = append(sessions, ps)
	}
	r.sessions = make(map[string]*PeerSession)
	r.orphans = make(map[string][]webrtc.ICECandidateInit)
	r.mu.Unlock()

	for _, ps := range sessions {
		if err := ps.Close(); err != nil {
			r.log.Warnf("closing peer session for %s: %v", ps.User(), err)
		}
	}
	return len(sessions)
}

// QueueOrphanCandidate buffers a candidate for a user without a session.
// The buffer is bounded; once full, the oldest entries give way so a
// malfunctioning peer cannot grow memory without bound.
func (r *Registry) QueueOrphanCandidate(remoteUser string, candidate webrtc.ICECandidateInit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.orphans[remoteUser]
	if len(q) >= r.orphanLimit {
		q = q[1:]
	}
	r.orphans[remoteUser] = append(q, candidate)
}

// DropOrphans discards buffered candidates for a user, e.g. after a
// declined call.
func (r *Registry) DropOrphans(remoteUser string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orphans, remoteUser)
}

// ForEach runs fn over every session.
func (r *Registry) ForEach(fn func(*PeerSession)) {
	r.mu.RLock()
	sessions := make([]*PeerSession, 0, len(r.sessions))
	for _, ps := range r.sessions {
		sessions = append(sessions, ps)
	}
	r.mu.RUnlock()

	for _, ps := range sessions {
		fn(ps)
	}
}

// Users returns the connected remote user ids.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of peer sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
