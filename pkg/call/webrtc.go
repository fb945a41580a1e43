package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// WebRTCFactory produces pion-backed peer connections from a shared API
// instance with default codecs and interceptors registered.
type WebRTCFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    logging.LeveledLogger
}

// NewWebRTCFactory builds the production connection factory.
func NewWebRTCFactory(cfg Config) (*WebRTCFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.LoggerFactory = cfg.loggerFactory()

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return &WebRTCFactory{
		api:    api,
		config: webrtc.Configuration{ICEServers: cfg.ICEServers},
		log:    cfg.loggerFactory().NewLogger("webrtc"),
	}, nil
}

// NewConn implements PeerConnFactory.
func (f *WebRTCFactory) NewConn(remoteUser string, sink EventSink) (PeerConn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil {
			sink.OnCandidateGenerated(remoteUser, candidate.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		sink.OnTrackReceived(remoteUser, &webrtcRemoteTrack{track: track})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed:
			sink.OnPeerDisconnected(remoteUser, ErrPeerClosed)
		case webrtc.PeerConnectionStateDisconnected:
			// Temporarily disconnected, ICE may still recover.
			f.log.Infof("connection to %s disconnected, awaiting recovery", remoteUser)
		}
	})

	return &webrtcConn{pc: pc}, nil
}

// webrtcConn adapts a pion PeerConnection to the PeerConn interface.
type webrtcConn struct {
	pc *webrtc.PeerConnection
}

func (c *webrtcConn) CreateOffer() (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *webrtcConn) HandleOffer(offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *webrtcConn) HandleAnswer(answerSDP string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	})
}

func (c *webrtcConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *webrtcConn) AddTrack(track LocalTrack) (TrackSender, error) {
	sender, err := c.pc.AddTrack(track.WebRTCTrack())
	if err != nil {
		return nil, err
	}
	return &webrtcSender{sender: sender, track: track}, nil
}

func (c *webrtcConn) RemoveTrack(sender TrackSender) error {
	ws, ok := sender.(*webrtcSender)
	if !ok {
		return ErrForeignSender
	}
	return c.pc.RemoveTrack(ws.sender)
}

func (c *webrtcConn) Close() error {
	return c.pc.Close()
}

// webrtcSender pairs a pion RTPSender with the LocalTrack it carries.
type webrtcSender struct {
	sender *webrtc.RTPSender
	track  LocalTrack
}

func (s *webrtcSender) Track() LocalTrack {
	return s.track
}

func (s *webrtcSender) ReplaceTrack(track LocalTrack) error {
	if err := s.sender.ReplaceTrack(track.WebRTCTrack()); err != nil {
		return err
	}
	s.track = track
	return nil
}

// webrtcRemoteTrack adapts a pion TrackRemote.
type webrtcRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *webrtcRemoteTrack) ID() string       { return t.track.ID() }
func (t *webrtcRemoteTrack) StreamID() string { return t.track.StreamID() }

func (t *webrtcRemoteTrack) Kind() TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackKindVideo
	}
	return TrackKindAudio
}

// Remote exposes the underlying pion track for media consumers.
func (t *webrtcRemoteTrack) Remote() *webrtc.TrackRemote {
	return t.track
}
