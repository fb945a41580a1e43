package call

import (
	"github.com/pion/webrtc/v4"
)

// PeerConn is the negotiation surface of one native peer connection. The
// orchestrator only ever talks to this interface; the pion-backed
// implementation lives in webrtc.go and tests substitute fakes so session
// logic can be exercised synchronously.
type PeerConn interface {
	// CreateOffer produces an offer and installs it as the local
	// description.
	CreateOffer() (string, error)

	// HandleOffer installs a remote offer, produces an answer and
	// installs it as the local description.
	HandleOffer(offerSDP string) (string, error)

	// HandleAnswer installs a remote answer.
	HandleAnswer(answerSDP string) error

	// AddICECandidate applies a remote candidate. Callers must only
	// invoke this once a remote description is installed.
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// AddTrack attaches an outgoing track and returns its sender.
	AddTrack(track LocalTrack) (TrackSender, error)

	// RemoveTrack detaches an outgoing track.
	RemoveTrack(sender TrackSender) error

	Close() error
}

// TrackSender is the outgoing side of one attached track.
type TrackSender interface {
	Track() LocalTrack
	ReplaceTrack(track LocalTrack) error
}

// EventSink receives typed events raised by native connection callbacks.
// Modelling onicecandidate/ontrack/state-change callbacks as typed events
// keeps transport mechanics out of session logic.
type EventSink interface {
	// OnCandidateGenerated fires when the local side gathers a
	// candidate that must be relayed to the remote user.
	OnCandidateGenerated(remoteUser string, candidate webrtc.ICECandidateInit)

	// OnTrackReceived fires when remote media arrives.
	OnTrackReceived(remoteUser string, track RemoteTrack)

	// OnPeerDisconnected fires when the connection fails or closes
	// without a Bye.
	OnPeerDisconnected(remoteUser string, err error)
}

// PeerConnFactory creates peer connections wired to an event sink.
type PeerConnFactory interface {
	NewConn(remoteUser string, sink EventSink) (PeerConn, error)
}
