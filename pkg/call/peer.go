package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerSession is the local side of one remote participant: the native
// connection, the queue of candidates that arrived before the remote
// description, and the remote media received so far. At most one session
// exists per remote user id; the Registry enforces that.
type PeerSession struct {
	mu sync.Mutex

	user      string
	conn      PeerConn
	initiator bool

	remoteDescSet bool
	pending       []webrtc.ICECandidateInit

	remoteTracks []RemoteTrack

	audioSender TrackSender
	videoSender TrackSender

	closed bool
}

func newPeerSession(user string, conn PeerConn, initiator bool) *PeerSession {
	return &PeerSession{
		user:      user,
		conn:      conn,
		initiator: initiator,
	}
}

// User returns the remote user id.
func (p *PeerSession) User() string {
	return p.user
}

// Initiator reports whether the local side initiated this session.
func (p *PeerSession) Initiator() bool {
	return p.initiator
}

// CreateOffer produces a local offer for this peer.
func (p *PeerSession) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrPeerClosed
	}
	return p.conn.CreateOffer()
}

// HandleRemoteOffer installs a remote offer and returns the answer. The
// pending candidate queue is flushed once the remote description is in.
func (p *PeerSession) HandleRemoteOffer(offerSDP string) (string, []error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", []error{ErrPeerClosed}
	}
	answer, err := p.conn.HandleOffer(offerSDP)
	if err != nil {
		return "", []error{err}
	}
	p.remoteDescSet = true
	return answer, p.flushPendingLocked()
}

// HandleRemoteAnswer installs a remote answer and flushes queued
// candidates.
func (p *PeerSession) HandleRemoteAnswer(answerSDP string) []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return []error{ErrPeerClosed}
	}
	if err := p.conn.HandleAnswer(answerSDP); err != nil {
		return []error{err}
	}
	p.remoteDescSet = true
	return p.flushPendingLocked()
}

// AddCandidate applies the candidate when the remote description is
// already installed, otherwise queues it for the flush. Queued candidates
// are never dropped and are applied in arrival order.
func (p *PeerSession) AddCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	if !p.remoteDescSet {
		p.pending = append(p.pending, candidate)
		return nil
	}
	return p.conn.AddICECandidate(candidate)
}

// flushPendingLocked applies queued candidates in FIFO order. Individual
// failures do not stop the flush; the remaining candidates may still be
// usable paths.
func (p *PeerSession) flushPendingLocked() []error {
	var errs []error
	for _, c := range p.pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			errs = append(errs, err)
		}
	}
	p.pending = nil
	return errs
}

// PendingCandidates returns the number of queued candidates.
func (p *PeerSession) PendingCandidates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// HasRemoteDescription reports whether a remote description is installed.
func (p *PeerSession) HasRemoteDescription() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteDescSet
}

// AttachStream adds the local stream's tracks to the connection and
// remembers their senders for later replace/remove operations.
func (p *PeerSession) AttachStream(stream *LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	if stream == nil {
		return nil
	}
	if stream.Audio != nil {
		sender, err := p.conn.AddTrack(stream.Audio)
		if err != nil {
			return err
		}
		p.audioSender = sender
	}
	if stream.Video != nil {
		sender, err := p.conn.AddTrack(stream.Video)
		if err != nil {
			return err
		}
		p.videoSender = sender
	}
	return nil
}

// AddVideoTrack attaches a video track mid-call.
func (p *PeerSession) AddVideoTrack(track LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	sender, err := p.conn.AddTrack(track)
	if err != nil {
		return err
	}
	p.videoSender = sender
	return nil
}

// RemoveVideoTrack detaches the current outgoing video track, if any.
func (p *PeerSession) RemoveVideoTrack() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	if p.videoSender == nil {
		return nil
	}
	err := p.conn.RemoveTrack(p.videoSender)
	p.videoSender = nil
	return err
}

// ReplaceVideoTrack swaps the outgoing video track in place, without
// renegotiation. Returns false when no video sender exists yet.
func (p *PeerSession) ReplaceVideoTrack(track LocalTrack) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false, ErrPeerClosed
	}
	if p.videoSender == nil {
		return false, nil
	}
	return true, p.videoSender.ReplaceTrack(track)
}

// VideoSender returns the current outgoing video sender, if any.
func (p *PeerSession) VideoSender() TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.videoSender
}

// addRemoteTrack records a received remote track.
func (p *PeerSession) addRemoteTrack(track RemoteTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.remoteTracks = append(p.remoteTracks, track)
}

// RemoteTracks returns the remote media received so far.
func (p *PeerSession) RemoteTracks() []RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]RemoteTrack, len(p.remoteTracks))
	copy(out, p.remoteTracks)
	return out
}

// Close releases the native connection and discards queued candidates and
// remote stream references. Safe to call more than once.
func (p *PeerSession) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	p.pending = nil
	p.remoteTracks = nil
	p.audioSender = nil
	p.videoSender = nil
	p.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsClosed reports whether the session has been closed.
func (p *PeerSession) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
