package signaling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of a relayed call signal.
type SignalType string

const (
	// SignalTypeOffer is an SDP offer
	SignalTypeOffer SignalType = "offer"
	// SignalTypeAnswer is an SDP answer
	SignalTypeAnswer SignalType = "answer"
	// SignalTypeCandidate is an ICE candidate
	SignalTypeCandidate SignalType = "candidate"
	// SignalTypeBye ends participation for the sending peer
	SignalTypeBye SignalType = "bye"
)

// CallType distinguishes what an offer is asking for.
type CallType string

const (
	// CallTypeAudio is a voice-only call
	CallTypeAudio CallType = "audio"
	// CallTypeVideo is a call with camera video
	CallTypeVideo CallType = "video"
	// CallTypeRenegotiation modifies an already-established peer
	// connection and must never create a new session
	CallTypeRenegotiation CallType = "renegotiation"
)

// Signal is one transient relay message between two users. Signals are
// at-most-once: the consumer deletes them upstream after reading so a
// reconnect cannot replay them.
type Signal struct {
	ID        string          `json:"id"`
	From      string          `json:"from_user"`
	To        string          `json:"to_user"`
	Type      SignalType      `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// OfferPayload carries an SDP offer tagged with the call kind and the
// channel the call belongs to. Direct marks a one-to-one DM call, which
// ends when its last peer leaves; huddle calls persist without peers.
type OfferPayload struct {
	SDP       string   `json:"sdp"`
	CallType  CallType `json:"call_type"`
	ChannelID string   `json:"channel_id,omitempty"`
	Direct    bool     `json:"direct,omitempty"`
}

// AnswerPayload carries an SDP answer.
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// CandidatePayload mirrors the wire form of an ICE candidate.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// ICECandidateInit converts the payload to the pion representation.
func (p CandidatePayload) ICECandidateInit() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        p.Candidate,
		SDPMid:           p.SDPMid,
		SDPMLineIndex:    p.SDPMLineIndex,
		UsernameFragment: p.UsernameFragment,
	}
}

// CandidateFromInit converts a pion candidate to its wire form.
func CandidateFromInit(init webrtc.ICECandidateInit) CandidatePayload {
	return CandidatePayload{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// Transport is the external signal relay. Send and Delete are best-effort:
// failures are logged by the caller and never retried inline, since the
// live connection has its own reconnect loop.
type Transport interface {
	// Send relays a signal of the given type to one user.
	Send(ctx context.Context, to string, typ SignalType, payload any) error

	// Delete removes a consumed signal upstream. Failure is non-fatal.
	Delete(ctx context.Context, signalID string) error

	// JoinCallRoster registers the local user in the channel's call
	// roster and returns the participants present before joining.
	JoinCallRoster(ctx context.Context, channelID string) ([]string, error)

	// LeaveCallRoster removes the local user from the channel's roster.
	LeaveCallRoster(ctx context.Context, channelID string) error

	// Roster returns the channel's current call participants. Used by
	// the polling fallback that reconciles missed roster updates.
	Roster(ctx context.Context, channelID string) ([]string, error)
}
