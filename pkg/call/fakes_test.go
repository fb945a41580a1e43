package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/solidchat/talks-rtc/pkg/signaling"
)

// fakeConn records every operation so tests can assert on negotiation
// behavior without a native peer connection.
type fakeConn struct {
	mu sync.Mutex

	user string

	offerCount    int
	remoteOffers  []string
	remoteAnswers []string
	candidates    []webrtc.ICECandidateInit
	added         []LocalTrack
	removed       []TrackSender
	closed        bool

	candidateErr func(webrtc.ICECandidateInit) error
}

func (c *fakeConn) CreateOffer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offerCount++
	return fmt.Sprintf("offer-%s-%d", c.user, c.offerCount), nil
}

func (c *fakeConn) HandleOffer(sdp string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteOffers = append(c.remoteOffers, sdp)
	return "answer-to-" + sdp, nil
}

func (c *fakeConn) HandleAnswer(sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteAnswers = append(c.remoteAnswers, sdp)
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.candidateErr != nil {
		if err := c.candidateErr(candidate); err != nil {
			return err
		}
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) AddTrack(track LocalTrack) (TrackSender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.added = append(c.added, track)
	return &fakeSender{track: track}, nil
}

func (c *fakeConn) RemoveTrack(sender TrackSender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, sender)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offerCount
}

func (c *fakeConn) appliedCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(c.candidates))
	copy(out, c.candidates)
	return out
}

type fakeSender struct {
	mu    sync.Mutex
	track LocalTrack
}

func (s *fakeSender) Track() LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track LocalTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

// fakeFactory hands out fakeConns and remembers them by remote user.
type fakeFactory struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
	sinks map[string]EventSink
	calls int
	err   error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		conns: make(map[string]*fakeConn),
		sinks: make(map[string]EventSink),
	}
}

func (f *fakeFactory) NewConn(remoteUser string, sink EventSink) (PeerConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	conn := &fakeConn{user: remoteUser}
	f.conns[remoteUser] = conn
	f.sinks[remoteUser] = sink
	return conn, nil
}

func (f *fakeFactory) conn(user string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[user]
}

func (f *fakeFactory) connCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sentSignal struct {
	To      string
	Type    signaling.SignalType
	Payload any
}

// fakeTransport records relayed signals and serves canned rosters.
type fakeTransport struct {
	mu sync.Mutex

	sent    []sentSignal
	deleted []string
	joined  []string
	left    []string

	rosters map[string][]string
	joinErr error
	sendErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{rosters: make(map[string][]string)}
}

func (t *fakeTransport) Send(ctx context.Context, to string, typ signaling.SignalType, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, sentSignal{To: to, Type: typ, Payload: payload})
	return nil
}

func (t *fakeTransport) Delete(ctx context.Context, signalID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted = append(t.deleted, signalID)
	return nil
}

func (t *fakeTransport) JoinCallRoster(ctx context.Context, channelID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joined = append(t.joined, channelID)
	if t.joinErr != nil {
		return nil, t.joinErr
	}
	return t.rosters[channelID], nil
}

func (t *fakeTransport) LeaveCallRoster(ctx context.Context, channelID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.left = append(t.left, channelID)
	return nil
}

func (t *fakeTransport) Roster(ctx context.Context, channelID string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rosters[channelID], nil
}

func (t *fakeTransport) sentSignals() []sentSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentSignal, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *fakeTransport) sentOfType(typ signaling.SignalType) []sentSignal {
	var out []sentSignal
	for _, s := range t.sentSignals() {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (t *fakeTransport) deletedIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.deleted))
	copy(out, t.deleted)
	return out
}

func (t *fakeTransport) leftChannels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.left))
	copy(out, t.left)
	return out
}

// fakeTrack implements LocalTrack in memory.
type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    TrackKind
	enabled bool
	onEnded func()
	closed  bool
}

func newFakeTrack(id string, kind TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

func (t *fakeTrack) fireEnded() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTrack) WebRTCTrack() webrtc.TrackLocal { return nil }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeDevices serves fake tracks. The hooks run while no manager lock is
// held, which lets tests interleave events with a blocked permission
// prompt.
type fakeDevices struct {
	mu sync.Mutex

	gumHook     func()
	cameraHook  func()
	displayHook func()

	gumErr     error
	cameraErr  error
	displayErr error

	seq        int
	lastStream *LocalStream
	lastScreen *fakeTrack
}

func (d *fakeDevices) next(prefix string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return fmt.Sprintf("%s-%d", prefix, d.seq)
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, video bool) (*LocalStream, error) {
	if d.gumHook != nil {
		d.gumHook()
	}
	if d.gumErr != nil {
		return nil, d.gumErr
	}
	stream := &LocalStream{Audio: newFakeTrack(d.next("mic"), TrackKindAudio)}
	if video {
		stream.Video = newFakeTrack(d.next("cam"), TrackKindVideo)
	}
	d.mu.Lock()
	d.lastStream = stream
	d.mu.Unlock()
	return stream, nil
}

func (d *fakeDevices) GetCameraTrack(ctx context.Context) (LocalTrack, error) {
	if d.cameraHook != nil {
		d.cameraHook()
	}
	if d.cameraErr != nil {
		return nil, d.cameraErr
	}
	return newFakeTrack(d.next("cam"), TrackKindVideo), nil
}

func (d *fakeDevices) GetDisplayTrack(ctx context.Context) (LocalTrack, error) {
	if d.displayHook != nil {
		d.displayHook()
	}
	if d.displayErr != nil {
		return nil, d.displayErr
	}
	screen := newFakeTrack(d.next("screen"), TrackKindVideo)
	d.mu.Lock()
	d.lastScreen = screen
	d.mu.Unlock()
	return screen, nil
}

// testHarness wires a manager to fakes with polling and timers disabled.
type testHarness struct {
	manager   *Manager
	transport *fakeTransport
	factory   *fakeFactory
	devices   *fakeDevices
}

func newTestHarness() *testHarness {
	cfg := DefaultConfig("local")
	cfg.RosterPollInterval = 0
	cfg.EmptyHuddleTimeout = 0
	transport := newFakeTransport()
	factory := newFakeFactory()
	devices := &fakeDevices{}
	return &testHarness{
		manager:   NewManager(cfg, transport, factory, devices),
		transport: transport,
		factory:   factory,
		devices:   devices,
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

var signalSeq int

func makeSignal(from string, typ signaling.SignalType, payload any, ts time.Time) signaling.Signal {
	signalSeq++
	sig := signaling.Signal{
		ID:        fmt.Sprintf("sig-%d", signalSeq),
		From:      from,
		To:        "local",
		Type:      typ,
		Timestamp: ts,
	}
	if payload != nil {
		sig.Payload = mustJSON(payload)
	}
	return sig
}

func offerSignal(from, channelID string, direct bool, ts time.Time) signaling.Signal {
	return makeSignal(from, signaling.SignalTypeOffer, signaling.OfferPayload{
		SDP:       "offer-from-" + from,
		CallType:  signaling.CallTypeAudio,
		ChannelID: channelID,
		Direct:    direct,
	}, ts)
}

func byeSignal(from string, ts time.Time) signaling.Signal {
	return makeSignal(from, signaling.SignalTypeBye, nil, ts)
}

func candidateSignal(from, candidate string, ts time.Time) signaling.Signal {
	return makeSignal(from, signaling.SignalTypeCandidate, signaling.CandidatePayload{
		Candidate: candidate,
	}, ts)
}

// startDirectCall gets the harness into an active direct call with one
// connected peer.
func (h *testHarness) startDirectCall(ctx context.Context, partner string) error {
	ch := Channel{ID: "dm:" + partner, Direct: true, Partner: partner}
	return h.manager.StartCall(ctx, ch, signaling.CallTypeAudio)
}

// acceptOffer delivers an offer and accepts it.
func (h *testHarness) acceptOffer(ctx context.Context, from, channelID string, direct bool) error {
	h.manager.HandleBatch(ctx, []signaling.Signal{offerSignal(from, channelID, direct, time.Now())})
	return h.manager.Accept(ctx, from)
}
