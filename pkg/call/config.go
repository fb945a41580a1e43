package call

import (
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/solidchat/talks-rtc/pkg/signaling"
)

// Config holds call manager configuration
type Config struct {
	// LocalUserID is the id of the signed-in user
	LocalUserID string

	// ICE servers for WebRTC connections
	ICEServers []webrtc.ICEServer

	// StalenessWindow is how old a signal may be before it is discarded
	StalenessWindow time.Duration

	// EmptyHuddleTimeout ends a multi-party session that has had zero
	// peers for this long. Zero disables the timeout and the session
	// waits for joiners indefinitely.
	EmptyHuddleTimeout time.Duration

	// RosterPollInterval is how often the roster poller reconciles the
	// server-side participant list while a huddle is active. Zero
	// disables polling.
	RosterPollInterval time.Duration

	// OrphanCandidateLimit caps queued candidates for users that have
	// no peer session yet (e.g. while an incoming call is ringing)
	OrphanCandidateLimit int

	// LoggerFactory creates the library's loggers. Defaults to the
	// pion default factory.
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns the configuration used by the Talks console client
func DefaultConfig(localUserID string) Config {
	return Config{
		LocalUserID: localUserID,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		StalenessWindow:      signaling.DefaultStalenessWindow,
		EmptyHuddleTimeout:   5 * time.Minute,
		RosterPollInterval:   10 * time.Second,
		OrphanCandidateLimit: 32,
	}
}

func (c *Config) loggerFactory() logging.LoggerFactory {
	if c.LoggerFactory != nil {
		return c.LoggerFactory
	}
	return logging.NewDefaultLoggerFactory()
}
