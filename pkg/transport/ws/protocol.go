package ws

import (
	"encoding/json"

	"github.com/solidchat/talks-rtc/pkg/signaling"
)

// request is a client frame. Fire-and-forget actions leave ID empty and
// receive no reply; correlated actions carry a unique ID the server
// echoes back on the matching response frame.
type request struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is a server frame. Type "signals" is an unsolicited push of
// live-query results; "result" and "error" answer a correlated request.
type response struct {
	ID      string             `json:"id,omitempty"`
	Type    string             `json:"type"`
	Error   string             `json:"error,omitempty"`
	Result  json.RawMessage    `json:"result,omitempty"`
	Signals []signaling.Signal `json:"signals,omitempty"`
}

const (
	actionSendSignal   = "send_signal"
	actionDeleteSignal = "delete_signal"
	actionCallJoin     = "call_join"
	actionCallLeave    = "call_leave"
	actionCallRoster   = "call_roster"
)

const (
	responseResult  = "result"
	responseError   = "error"
	responseSignals = "signals"
)

type sendSignalParams struct {
	To      string               `json:"to_user"`
	Type    signaling.SignalType `json:"type"`
	Payload any                  `json:"payload,omitempty"`
}

type deleteSignalParams struct {
	SignalID string `json:"signal_id"`
}

type channelParams struct {
	ChannelID string `json:"channel_id"`
}

type rosterResult struct {
	Participants []string `json:"participants"`
}
