// Package capture acquires local media through pion/mediadevices and
// exposes it as call.LocalTrack implementations.
//
// Each source track is proxied through a TrackLocalStaticRTP fed by an RTP
// pump goroutine. Peers attach to the proxy, so muting is just the pump
// dropping packets: the track stays bound to its senders and no
// renegotiation happens.
package capture

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/solidchat/talks-rtc/pkg/call"
)

const rtpMTU = 1200

// Devices implements call.Devices on top of pion/mediadevices.
type Devices struct {
	selector *mediadevices.CodecSelector
	log      logging.LeveledLogger
}

// NewDevices builds the device layer with Opus audio and VP8 video
// encoders.
func NewDevices(loggerFactory logging.LoggerFactory) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: loggerFactory.NewLogger("capture"),
	}, nil
}

// GetUserMedia acquires a microphone track and, when requested, a camera
// track.
func (d *Devices) GetUserMedia(ctx context.Context, video bool) (*call.LocalStream, error) {
	constraints := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
		},
		Codec: d.selector,
	}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	if err := ctx.Err(); err != nil {
		closeMediaStream(stream)
		return nil, err
	}

	out := &call.LocalStream{}
	if tracks := stream.GetAudioTracks(); len(tracks) > 0 {
		audio, err := d.newGatedTrack(tracks[0], call.TrackKindAudio, "talks-audio")
		if err != nil {
			closeMediaStream(stream)
			return nil, err
		}
		out.Audio = audio
	}
	if tracks := stream.GetVideoTracks(); len(tracks) > 0 {
		v, err := d.newGatedTrack(tracks[0], call.TrackKindVideo, "talks-video")
		if err != nil {
			out.Close()
			closeMediaStream(stream)
			return nil, err
		}
		out.Video = v
	}
	if out.Audio == nil {
		out.Close()
		return nil, fmt.Errorf("no audio device available")
	}
	return out, nil
}

// GetCameraTrack acquires a camera track for a mid-call video enable.
func (d *Devices) GetCameraTrack(ctx context.Context) (call.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
			c.FrameRate = prop.Float(30)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get camera: %w", err)
	}
	if err := ctx.Err(); err != nil {
		closeMediaStream(stream)
		return nil, err
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		closeMediaStream(stream)
		return nil, fmt.Errorf("no camera available")
	}
	return d.newGatedTrack(tracks[0], call.TrackKindVideo, "talks-video")
}

// GetDisplayTrack acquires a screen capture track.
func (d *Devices) GetDisplayTrack(ctx context.Context) (call.LocalTrack, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get display media: %w", err)
	}
	if err := ctx.Err(); err != nil {
		closeMediaStream(stream)
		return nil, err
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		closeMediaStream(stream)
		return nil, fmt.Errorf("no display capture available")
	}
	return d.newGatedTrack(tracks[0], call.TrackKindVideo, "talks-screen")
}

func closeMediaStream(stream mediadevices.MediaStream) {
	for _, t := range stream.GetTracks() {
		_ = t.Close()
	}
}

// gatedTrack proxies one mediadevices source through a static RTP track.
type gatedTrack struct {
	source mediadevices.Track
	proxy  *webrtc.TrackLocalStaticRTP
	kind   call.TrackKind
	log    logging.LeveledLogger

	enabled atomic.Bool

	mu      sync.Mutex
	onEnded func()
	closed  bool
}

func (d *Devices) newGatedTrack(source mediadevices.Track, kind call.TrackKind, streamID string) (*gatedTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == call.TrackKindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	proxy, err := webrtc.NewTrackLocalStaticRTP(capability, source.ID(), streamID)
	if err != nil {
		return nil, err
	}

	gt := &gatedTrack{
		source: source,
		proxy:  proxy,
		kind:   kind,
		log:    d.log,
	}
	gt.enabled.Store(true)

	source.OnEnded(func(err error) {
		if err != nil && err != io.EOF {
			gt.log.Warnf("source track %s ended: %v", source.ID(), err)
		}
		gt.fireEnded()
	})

	// The codec name is the subtype of the proxy's MIME type.
	codec := strings.SplitN(capability.MimeType, "/", 2)[1]
	reader, err := source.NewRTPReader(codec, rand.Uint32(), rtpMTU)
	if err != nil {
		return nil, err
	}
	go gt.pump(reader)

	return gt, nil
}

// pump forwards RTP packets from the source into the proxy track while
// the track is enabled. Read errors end the pump; io.EOF is the normal
// shutdown path after Close.
func (gt *gatedTrack) pump(reader mediadevices.RTPReadCloser) {
	defer reader.Close()

	for {
		pkts, release, err := reader.Read()
		if err != nil {
			if err != io.EOF {
				gt.log.Warnf("rtp read on %s: %v", gt.source.ID(), err)
			}
			return
		}
		if gt.enabled.Load() {
			gt.writePackets(pkts)
		}
		if release != nil {
			release()
		}
	}
}

func (gt *gatedTrack) writePackets(pkts []*rtp.Packet) {
	for _, pkt := range pkts {
		if err := gt.proxy.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
			gt.log.Warnf("rtp write on %s: %v", gt.source.ID(), err)
		}
	}
}

func (gt *gatedTrack) ID() string           { return gt.proxy.ID() }
func (gt *gatedTrack) Kind() call.TrackKind { return gt.kind }

func (gt *gatedTrack) Enabled() bool { return gt.enabled.Load() }

func (gt *gatedTrack) SetEnabled(enabled bool) {
	gt.enabled.Store(enabled)
}

func (gt *gatedTrack) OnEnded(fn func()) {
	gt.mu.Lock()
	gt.onEnded = fn
	gt.mu.Unlock()
}

func (gt *gatedTrack) fireEnded() {
	gt.mu.Lock()
	fn := gt.onEnded
	gt.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (gt *gatedTrack) WebRTCTrack() webrtc.TrackLocal {
	return gt.proxy
}

// Close stops the capture source. The pump exits on the reader's EOF.
func (gt *gatedTrack) Close() error {
	gt.mu.Lock()
	if gt.closed {
		gt.mu.Unlock()
		return nil
	}
	gt.closed = true
	gt.mu.Unlock()

	return gt.source.Close()
}
