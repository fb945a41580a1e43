package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/solidchat/talks-rtc/pkg/signaling"
)

// State is the local call state
type State int

const (
	// StateIdle means no session and no pending incoming calls
	StateIdle State = iota
	// StateRinging means one or more incoming calls await a response
	StateRinging
	// StateActive means a local call session exists
	StateActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// TrackKind identifies a media track's kind
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Channel identifies where a call takes place. Direct channels are
// one-to-one DMs; everything else is a multi-party huddle whose membership
// is tracked by the server-side call roster.
type Channel struct {
	ID      string
	Direct  bool
	Partner string // remote user id, direct channels only
}

// IncomingCall is a pending offer from a remote caller. Several may
// coexist while ringing; each is resolved by Accept, Decline or a Bye
// from the caller.
type IncomingCall struct {
	CallerID   string
	ChannelID  string
	Direct     bool
	Kind       signaling.CallType
	OfferSDP   string
	ReceivedAt time.Time
}

// LocalTrack is a locally captured media track attached to outgoing peer
// connections. Implementations wrap a capture source; tests use fakes.
type LocalTrack interface {
	ID() string
	Kind() TrackKind

	// Enabled reports whether media flows. A disabled track stays
	// attached to its senders, it just goes silent (mute semantics).
	Enabled() bool
	SetEnabled(bool)

	// OnEnded registers a handler for external termination, e.g. the
	// OS-level "stop sharing" control ending a screen capture.
	OnEnded(func())

	// WebRTCTrack exposes the underlying track for attachment to a
	// native peer connection. May be nil in tests.
	WebRTCTrack() webrtc.TrackLocal

	Close() error
}

// LocalStream is the single local media stream owned by the active call
// session. All tracks must be stopped on every path that leaves the
// active state.
type LocalStream struct {
	Audio LocalTrack
	Video LocalTrack
}

// Tracks returns the stream's live tracks.
func (s *LocalStream) Tracks() []LocalTrack {
	if s == nil {
		return nil
	}
	var out []LocalTrack
	if s.Audio != nil {
		out = append(out, s.Audio)
	}
	if s.Video != nil {
		out = append(out, s.Video)
	}
	return out
}

// Close stops every track in the stream.
func (s *LocalStream) Close() {
	for _, t := range s.Tracks() {
		_ = t.Close()
	}
}

// Devices acquires local media. Acquisition may block arbitrarily long on
// an OS permission prompt, so callers re-validate call state afterwards.
type Devices interface {
	// GetUserMedia acquires a microphone track, plus a camera track
	// when video is requested.
	GetUserMedia(ctx context.Context, video bool) (*LocalStream, error)

	// GetCameraTrack acquires a camera track for mid-call video enable.
	GetCameraTrack(ctx context.Context) (LocalTrack, error)

	// GetDisplayTrack acquires a screen-capture track.
	GetDisplayTrack(ctx context.Context) (LocalTrack, error)
}

// RemoteTrack is a media track received from a remote peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
}
