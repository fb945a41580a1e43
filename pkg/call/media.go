package call

import (
	"context"

	"github.com/solidchat/talks-rtc/pkg/signaling"
)

// ToggleMute flips the local audio track's enabled flag. The track stays
// attached to every sender, it just goes silent; no renegotiation happens.
// Returns the new muted state.
func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return false, ErrNoSession
	}
	if m.session.stream == nil || m.session.stream.Audio == nil {
		return false, ErrMediaUnavailable
	}
	m.session.muted = !m.session.muted
	m.session.stream.Audio.SetEnabled(!m.session.muted)
	return m.session.muted, nil
}

// Muted reports whether the local audio is muted.
func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.muted
}

// ToggleVideo turns the camera on or off. Enabling acquires a camera
// track, attaches it to every peer session and renegotiates each one;
// disabling stops the track and removes it everywhere. While a screen
// share is running the camera state only changes what gets restored when
// the share stops. Returns the new video-enabled state.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return false, ErrNoSession
	}

	if m.session.videoEnabled {
		cam := m.session.stream.Video
		m.session.stream.Video = nil
		m.session.videoEnabled = false
		sharing := m.session.screenSharing
		m.mu.Unlock()

		if cam != nil {
			_ = cam.Close()
		}
		if !sharing {
			m.registry.ForEach(func(ps *PeerSession) {
				if err := ps.RemoveVideoTrack(); err != nil {
					m.log.Warnf("removing video track for %s: %v", ps.User(), err)
					return
				}
				m.renegotiate(ctx, ps)
			})
		}
		return false, nil
	}

	sess := m.session
	m.mu.Unlock()

	cam, err := m.devices.GetCameraTrack(ctx)
	if err != nil {
		m.log.Errorf("camera acquisition failed: %v", err)
		return false, ErrMediaUnavailable
	}

	m.mu.Lock()
	// The call may have ended while the camera permission was pending.
	if m.session != sess || m.session.videoEnabled {
		m.mu.Unlock()
		_ = cam.Close()
		return false, ErrAborted
	}
	m.session.stream.Video = cam
	m.session.videoEnabled = true
	sharing := m.session.screenSharing
	m.mu.Unlock()

	if !sharing {
		m.registry.ForEach(func(ps *PeerSession) {
			if err := ps.AddVideoTrack(cam); err != nil {
				m.log.Warnf("adding video track for %s: %v", ps.User(), err)
				return
			}
			m.renegotiate(ctx, ps)
		})
	}
	return true, nil
}

// VideoEnabled reports whether the local camera is on.
func (m *Manager) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.videoEnabled
}

// ToggleScreenShare starts or stops sharing a display capture. The screen
// track replaces the outgoing camera track on every peer where one exists
// (no renegotiation needed) and is added with renegotiation elsewhere.
// Stopping restores the camera where video was on, otherwise removes the
// track. An externally terminated capture (OS "stop sharing") is treated
// as a stop. Returns the new sharing state.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return false, ErrNoSession
	}

	if m.session.screenSharing {
		m.mu.Unlock()
		return false, m.stopScreenShare(ctx)
	}

	sess := m.session
	epoch := m.epoch
	m.mu.Unlock()

	screen, err := m.devices.GetDisplayTrack(ctx)
	if err != nil {
		m.log.Errorf("display capture failed: %v", err)
		return false, ErrMediaUnavailable
	}

	m.mu.Lock()
	if m.session != sess || m.session.screenSharing {
		m.mu.Unlock()
		_ = screen.Close()
		return false, ErrAborted
	}
	m.session.screenTrack = screen
	m.session.screenSharing = true
	m.mu.Unlock()

	screen.OnEnded(func() {
		m.mu.Lock()
		stillSharing := m.session != nil && m.epoch == epoch &&
			m.session.screenSharing && m.session.screenTrack == screen
		m.mu.Unlock()
		if stillSharing {
			m.log.Infof("screen capture ended externally")
			if err := m.stopScreenShare(context.Background()); err != nil {
				m.log.Warnf("stopping ended screen share: %v", err)
			}
		}
	})

	m.registry.ForEach(func(ps *PeerSession) {
		replaced, err := ps.ReplaceVideoTrack(screen)
		if err != nil {
			m.log.Warnf("replacing video track for %s: %v", ps.User(), err)
			return
		}
		if replaced {
			return
		}
		if err := ps.AddVideoTrack(screen); err != nil {
			m.log.Warnf("adding screen track for %s: %v", ps.User(), err)
			return
		}
		m.renegotiate(ctx, ps)
	})
	return true, nil
}

func (m *Manager) stopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil || !m.session.screenSharing {
		m.mu.Unlock()
		return nil
	}
	screen := m.session.screenTrack
	m.session.screenTrack = nil
	m.session.screenSharing = false
	cam := m.session.stream.Video
	restore := m.session.videoEnabled && cam != nil
	m.mu.Unlock()

	if screen != nil {
		_ = screen.Close()
	}

	m.registry.ForEach(func(ps *PeerSession) {
		if restore {
			replaced, err := ps.ReplaceVideoTrack(cam)
			if err != nil {
				m.log.Warnf("restoring camera for %s: %v", ps.User(), err)
				return
			}
			if !replaced {
				if err := ps.AddVideoTrack(cam); err != nil {
					m.log.Warnf("restoring camera for %s: %v", ps.User(), err)
					return
				}
				m.renegotiate(ctx, ps)
			}
			return
		}
		if err := ps.RemoveVideoTrack(); err != nil {
			m.log.Warnf("removing screen track for %s: %v", ps.User(), err)
			return
		}
		m.renegotiate(ctx, ps)
	})
	return nil
}

// ScreenSharing reports whether a display capture is being sent.
func (m *Manager) ScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && m.session.screenSharing
}

// renegotiate runs an in-session offer/answer exchange with one peer to
// apply a media change. Failures are logged only: the prior media
// connection remains valid, so the session is never torn down here.
func (m *Manager) renegotiate(ctx context.Context, ps *PeerSession) {
	m.mu.Lock()
	sess := m.session
	m.mu.Unlock()
	if sess == nil {
		return
	}

	offer, err := ps.CreateOffer()
	if err != nil {
		m.log.Warnf("renegotiation offer for %s: %v", ps.User(), err)
		return
	}
	err = m.transport.Send(ctx, ps.User(), signaling.SignalTypeOffer, signaling.OfferPayload{
		SDP:       offer,
		CallType:  signaling.CallTypeRenegotiation,
		ChannelID: sess.channel.ID,
	})
	if err != nil {
		m.log.Warnf("sending renegotiation offer to %s: %v", ps.User(), err)
	}
}
