package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/solidchat/talks-rtc/pkg/signaling"
)

// session is the local client's participation in one call.
type session struct {
	channel   Channel
	kind      signaling.CallType
	startedAt time.Time

	stream *LocalStream

	muted         bool
	videoEnabled  bool
	screenSharing bool
	screenTrack   LocalTrack
}

// Manager orchestrates call sessions: it consumes relayed signals, drives
// offer/answer/candidate exchange per peer, and owns the local media
// stream for the duration of a call.
//
// The manager is the only component that transitions call state. Native
// connection callbacks re-enter it as typed events (EventSink); transport
// batches enter through HandleBatch. Long-running steps (media permission
// prompts) release the lock and re-validate the call epoch on resume.
type Manager struct {
	mu sync.Mutex

	cfg       Config
	transport signaling.Transport
	factory   PeerConnFactory
	devices   Devices
	inbox     *signaling.Inbox
	log       logging.LeveledLogger

	tracer    trace.Tracer
	peerGauge metric.Int64UpDownCounter

	registry *Registry
	incoming []*IncomingCall
	session  *session

	// epoch increments whenever a session is created or cleared, so
	// deferred work armed for one session (timers, external capture
	// callbacks) can tell it no longer applies.
	epoch uint64

	huddleTimer *time.Timer
	poller      *rosterPoller
	ringback    bool
	closed      bool

	onStateChange  func(State)
	onIncoming     func(IncomingCall)
	onPeersChanged func([]string)
	onRemoteTrack  func(remoteUser string, track RemoteTrack)
	onRingback     func(bool)
}

// NewManager creates a call manager. The transport is only consumed, never
// served: subscription delivery is the caller's concern (see Run).
func NewManager(cfg Config, transport signaling.Transport, factory PeerConnFactory, devices Devices) *Manager {
	log := cfg.loggerFactory().NewLogger("call")

	meter := otel.Meter("talks-rtc/call")
	peerGauge, _ := meter.Int64UpDownCounter("call.peer_sessions_active",
		metric.WithDescription("Number of active peer sessions"))

	m := &Manager{
		cfg:       cfg,
		transport: transport,
		factory:   factory,
		devices:   devices,
		inbox:     signaling.NewInbox(cfg.StalenessWindow),
		log:       log,
		tracer:    otel.Tracer("talks-rtc/call"),
		peerGauge: peerGauge,
	}
	m.registry = newRegistry(factory, m, cfg.OrphanCandidateLimit, log)
	return m
}

// SetOnStateChange sets the callback for call state transitions.
func (m *Manager) SetOnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// SetOnIncomingCall sets the callback for new incoming call requests.
func (m *Manager) SetOnIncomingCall(fn func(IncomingCall)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIncoming = fn
}

// SetOnPeersChanged sets the callback for peer list updates.
func (m *Manager) SetOnPeersChanged(fn func([]string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeersChanged = fn
}

// SetOnRemoteTrack sets the callback for received remote media.
func (m *Manager) SetOnRemoteTrack(fn func(string, RemoteTrack)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteTrack = fn
}

// SetOnRingback sets the callback toggling the outgoing-call audio cue.
func (m *Manager) SetOnRingback(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRingback = fn
}

// State returns the current call state. Active wins over Ringing: a
// queued call-waiting request does not change the active session's state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	switch {
	case m.session != nil:
		return StateActive
	case len(m.incoming) > 0:
		return StateRinging
	default:
		return StateIdle
	}
}

// IncomingCalls returns the pending incoming call requests.
func (m *Manager) IncomingCalls() []IncomingCall {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]IncomingCall, 0, len(m.incoming))
	for _, req := range m.incoming {
		out = append(out, *req)
	}
	return out
}

// Peers returns the connected remote user ids.
func (m *Manager) Peers() []string {
	return m.registry.Users()
}

// Registry exposes the peer session registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// StartCall acquires local media and starts a call in the channel. Direct
// channels ring the single partner; huddle channels join the server-side
// roster and silently connect to everyone already in the call.
func (m *Manager) StartCall(ctx context.Context, ch Channel, kind signaling.CallType) error {
	ctx, span := m.tracer.Start(ctx, "call.StartCall", trace.WithAttributes(
		attribute.String("channel_id", ch.ID),
		attribute.String("call_kind", string(kind)),
	))
	defer span.End()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.session != nil {
		m.mu.Unlock()
		return ErrSessionActive
	}
	if ch.Direct && ch.Partner == "" {
		m.mu.Unlock()
		return ErrNoPartner
	}
	m.mu.Unlock()

	// May block on a permission prompt for an arbitrarily long time.
	stream, err := m.devices.GetUserMedia(ctx, kind == signaling.CallTypeVideo)
	if err != nil {
		m.log.Errorf("media acquisition failed: %v", err)
		return ErrMediaUnavailable
	}

	// Re-validate: the call context may have changed while the prompt
	// was open.
	m.mu.Lock()
	if m.closed || m.session != nil {
		m.mu.Unlock()
		stream.Close()
		return ErrAborted
	}
	m.session = &session{
		channel:      ch,
		kind:         kind,
		startedAt:    time.Now(),
		stream:       stream,
		videoEnabled: kind == signaling.CallTypeVideo,
	}
	m.epoch++
	if ch.Direct {
		m.setRingbackLocked(true)
	}
	m.mu.Unlock()
	m.emitStateChange()

	if ch.Direct {
		if err := m.initiateTo(ctx, ch.Partner); err != nil {
			m.log.Errorf("calling %s failed: %v", ch.Partner, err)
			return m.Hangup(ctx)
		}
		return nil
	}

	// Huddle: the roster is authoritative for who is already in the
	// call. Join first, then connect to everyone present, no ringing.
	participants, err := m.transport.JoinCallRoster(ctx, ch.ID)
	if err != nil {
		// Transient transport error: stay active with zero peers,
		// the roster poller reconciles once the relay recovers.
		m.log.Errorf("joining call roster for %s: %v", ch.ID, err)
	}
	for _, user := range participants {
		if user == m.cfg.LocalUserID {
			continue
		}
		if err := m.initiateTo(ctx, user); err != nil {
			m.log.Errorf("connecting to huddle member %s: %v", user, err)
		}
	}
	m.mu.Lock()
	m.startRosterPollerLocked()
	if m.registry.Count() == 0 {
		m.startHuddleTimerLocked()
	}
	m.mu.Unlock()
	return nil
}

// Accept answers the pending incoming call from the given caller.
func (m *Manager) Accept(ctx context.Context, callerID string) error {
	ctx, span := m.tracer.Start(ctx, "call.Accept", trace.WithAttributes(
		attribute.String("caller_id", callerID),
	))
	defer span.End()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.session != nil {
		m.mu.Unlock()
		return ErrSessionActive
	}
	req := m.findRequestLocked(callerID)
	if req == nil {
		m.mu.Unlock()
		return ErrNoSuchRequest
	}
	m.mu.Unlock()

	stream, err := m.devices.GetUserMedia(ctx, req.Kind == signaling.CallTypeVideo)
	if err != nil {
		m.log.Errorf("media acquisition failed: %v", err)
		// Abort the attempt entirely: drop the request and tell the
		// caller, never leave a half-initialized peer session.
		m.mu.Lock()
		m.removeRequestLocked(req)
		m.mu.Unlock()
		m.emitStateChange()
		m.sendBye(ctx, callerID)
		return ErrMediaUnavailable
	}

	m.mu.Lock()
	// The request may have vanished (caller Bye, decline elsewhere)
	// while the permission prompt was open.
	if m.closed || m.session != nil || !m.hasRequestLocked(req) {
		m.mu.Unlock()
		stream.Close()
		return ErrAborted
	}
	m.removeRequestLocked(req)
	ch := Channel{ID: req.ChannelID, Direct: req.Direct}
	if req.Direct {
		ch.Partner = req.CallerID
	}
	m.session = &session{
		channel:      ch,
		kind:         req.Kind,
		startedAt:    time.Now(),
		stream:       stream,
		videoEnabled: req.Kind == signaling.CallTypeVideo,
	}
	m.epoch++
	m.mu.Unlock()
	m.emitStateChange()

	if err := m.respondTo(ctx, req.CallerID, req.OfferSDP); err != nil {
		m.log.Errorf("answering %s failed: %v", req.CallerID, err)
		return m.Hangup(ctx)
	}

	if !req.Direct {
		// Joining a huddle: register on the roster and connect to
		// the members beyond the one that offered.
		participants, err := m.transport.JoinCallRoster(ctx, req.ChannelID)
		if err != nil {
			m.log.Errorf("joining call roster for %s: %v", req.ChannelID, err)
		}
		for _, user := range participants {
			if user == m.cfg.LocalUserID || m.registry.Get(user) != nil {
				continue
			}
			if err := m.initiateTo(ctx, user); err != nil {
				m.log.Errorf("connecting to huddle member %s: %v", user, err)
			}
		}
		m.mu.Lock()
		m.startRosterPollerLocked()
		m.mu.Unlock()
	}
	return nil
}

// Decline drops a pending incoming call and tells the caller, so their
// ringback stops.
func (m *Manager) Decline(ctx context.Context, callerID string) error {
	m.mu.Lock()
	req := m.findRequestLocked(callerID)
	if req == nil {
		m.mu.Unlock()
		return ErrNoSuchRequest
	}
	m.removeRequestLocked(req)
	m.registry.DropOrphans(callerID)
	m.mu.Unlock()

	m.emitStateChange()
	m.sendBye(ctx, callerID)
	return nil
}

// Hangup ends the active session: Bye to every peer, all sessions closed,
// local media released.
func (m *Manager) Hangup(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "call.Hangup")
	defer span.End()

	m.mu.Lock()
	return m.hangupLocked(ctx, true)
}

// hangupLocked tears the session down. The lock is held on entry and
// released before the Bye/roster network calls go out.
func (m *Manager) hangupLocked(ctx context.Context, sendBye bool) error {
	if m.session == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	sess := m.session
	m.session = nil
	m.epoch++
	m.setRingbackLocked(false)
	m.stopHuddleTimerLocked()
	m.stopRosterPollerLocked()
	peers := m.registry.Users()
	m.mu.Unlock()

	closed := m.registry.CloseAll()
	if closed > 0 {
		m.peerGauge.Add(ctx, -int64(closed))
	}

	// Every exit from the active state releases all local tracks.
	sess.stream.Close()
	if sess.screenTrack != nil {
		_ = sess.screenTrack.Close()
	}

	if sendBye {
		for _, user := range peers {
			m.sendBye(ctx, user)
		}
	}
	if !sess.channel.Direct {
		if err := m.transport.LeaveCallRoster(ctx, sess.channel.ID); err != nil {
			m.log.Errorf("leaving call roster for %s: %v", sess.channel.ID, err)
		}
	}

	m.emitStateChange()
	m.emitPeersChanged()
	return nil
}

// Close shuts the manager down, hanging up first if needed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.incoming = nil
	if m.session != nil {
		return m.hangupLocked(context.Background(), true)
	}
	m.mu.Unlock()
	return nil
}

// Run consumes signal batches until the context ends, pruning the dedup
// set periodically. This is the single consumer loop: all signaling flows
// through it in delivery order, batch by batch.
func (m *Manager) Run(ctx context.Context, batches <-chan []signaling.Signal) error {
	prune := time.NewTicker(m.inboxPruneInterval())
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-batches:
			if !ok {
				return nil
			}
			m.HandleBatch(ctx, batch)
		case <-prune.C:
			m.inbox.Prune(time.Now())
		}
	}
}

func (m *Manager) inboxPruneInterval() time.Duration {
	if m.cfg.StalenessWindow > 0 {
		return m.cfg.StalenessWindow
	}
	return signaling.DefaultStalenessWindow
}

// HandleBatch processes one delivered batch of signals: dedup, timestamp
// sort, staleness rejection, then per-type dispatch. Every signal in the
// batch gets an upstream delete, whether or not local handling succeeded,
// so a reconnect cannot replay it.
func (m *Manager) HandleBatch(ctx context.Context, batch []signaling.Signal) {
	ctx, span := m.tracer.Start(ctx, "call.HandleBatch", trace.WithAttributes(
		attribute.Int("batch_size", len(batch)),
	))
	defer span.End()

	ready, discard := m.inbox.Prepare(batch, time.Now())
	for _, id := range discard {
		m.deleteSignal(ctx, id)
	}
	for _, sig := range ready {
		m.dispatch(ctx, sig)
		m.deleteSignal(ctx, sig.ID)
	}
}

func (m *Manager) deleteSignal(ctx context.Context, id string) {
	if err := m.transport.Delete(ctx, id); err != nil {
		m.log.Warnf("deleting signal %s: %v", id, err)
	}
}

// dispatch routes one signal. Handler failures are logged and swallowed:
// one malformed signal must not disrupt the rest of the batch.
func (m *Manager) dispatch(ctx context.Context, sig signaling.Signal) {
	switch sig.Type {
	case signaling.SignalTypeOffer:
		m.handleOffer(ctx, sig)
	case signaling.SignalTypeAnswer:
		m.handleAnswer(sig)
	case signaling.SignalTypeCandidate:
		m.handleCandidate(sig)
	case signaling.SignalTypeBye:
		m.handleBye(ctx, sig.From)
	default:
		m.log.Warnf("unknown signal type %q from %s", sig.Type, sig.From)
	}
}

func (m *Manager) handleOffer(ctx context.Context, sig signaling.Signal) {
	var payload signaling.OfferPayload
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		m.log.Warnf("malformed offer from %s: %v", sig.From, err)
		return
	}

	// Renegotiation modifies an existing peer session in place. It is
	// not a state transition and must not touch requests or sessions.
	if payload.CallType == signaling.CallTypeRenegotiation {
		ps := m.registry.Get(sig.From)
		if ps == nil {
			m.log.Warnf("renegotiation offer from %s without a peer session, ignored", sig.From)
			return
		}
		answer, errs := ps.HandleRemoteOffer(payload.SDP)
		for _, err := range errs {
			m.log.Warnf("renegotiating with %s: %v", sig.From, err)
		}
		if answer == "" {
			// The prior media connection is still valid, leave it.
			return
		}
		m.sendAnswer(ctx, sig.From, answer)
		return
	}

	m.mu.Lock()
	if m.session != nil && m.session.channel.ID == payload.ChannelID {
		// A new huddle participant is connecting to us; answer
		// silently, nobody rings inside an ongoing call.
		m.stopHuddleTimerLocked()
		m.mu.Unlock()
		if err := m.respondTo(ctx, sig.From, payload.SDP); err != nil {
			m.log.Errorf("answering huddle member %s: %v", sig.From, err)
		}
		return
	}

	// Ringing. Concurrent callers queue as additional requests, and a
	// second offer arriving during an unrelated active call queues as
	// call waiting.
	req := &IncomingCall{
		CallerID:   sig.From,
		ChannelID:  payload.ChannelID,
		Direct:     payload.Direct,
		Kind:       payload.CallType,
		OfferSDP:   payload.SDP,
		ReceivedAt: time.Now(),
	}
	if existing := m.findRequestLocked(sig.From); existing != nil {
		// A retried offer supersedes the one already pending; a
		// caller never rings twice at once.
		*existing = *req
		req = existing
	} else {
		m.incoming = append(m.incoming, req)
	}
	m.mu.Unlock()

	m.emitStateChange()
	m.emitIncoming(*req)
}

func (m *Manager) handleAnswer(sig signaling.Signal) {
	var payload signaling.AnswerPayload
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		m.log.Warnf("malformed answer from %s: %v", sig.From, err)
		return
	}

	ps := m.registry.Get(sig.From)
	if ps == nil {
		// Signaling over an unreliable relay: missing state is a
		// no-op, not an error.
		m.log.Warnf("answer from %s without a peer session, ignored", sig.From)
		return
	}
	for _, err := range ps.HandleRemoteAnswer(payload.SDP) {
		m.log.Warnf("applying answer from %s: %v", sig.From, err)
	}

	m.mu.Lock()
	m.setRingbackLocked(false)
	m.mu.Unlock()
}

func (m *Manager) handleCandidate(sig signaling.Signal) {
	var payload signaling.CandidatePayload
	if err := json.Unmarshal(sig.Payload, &payload); err != nil {
		m.log.Warnf("malformed candidate from %s: %v", sig.From, err)
		return
	}
	init := payload.ICECandidateInit()

	ps := m.registry.Get(sig.From)
	if ps == nil {
		// No session yet, e.g. the caller trickles ICE while we are
		// still ringing. Buffer until Setup.
		m.registry.QueueOrphanCandidate(sig.From, init)
		return
	}
	if err := ps.AddCandidate(init); err != nil {
		m.log.Warnf("applying candidate from %s: %v", sig.From, err)
	}
}

func (m *Manager) handleBye(ctx context.Context, from string) {
	m.mu.Lock()

	// A Bye can cancel a still-ringing request from the same caller.
	if req := m.findRequestLocked(from); req != nil {
		m.removeRequestLocked(req)
		m.registry.DropOrphans(from)
		m.mu.Unlock()
		m.emitStateChange()
		return
	}

	if m.session == nil || m.registry.Get(from) == nil {
		m.mu.Unlock()
		m.log.Debugf("bye from %s with no matching state, ignored", from)
		return
	}
	m.removePeerLocked(ctx, from)
}

// removePeerLocked drops one peer session and applies the end-of-call
// rules: a direct call with no peers left hangs up, a huddle stays active
// with zero peers awaiting joiners. The lock is held on entry and released
// by this function.
func (m *Manager) removePeerLocked(ctx context.Context, user string) {
	direct := m.session.channel.Direct
	m.mu.Unlock()

	if m.registry.Remove(user) {
		m.peerGauge.Add(ctx, -1)
	}
	m.emitPeersChanged()

	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	if m.registry.Count() > 0 {
		m.mu.Unlock()
		return
	}
	if direct {
		// DM auto-hangup: the only peer left.
		_ = m.hangupLocked(ctx, false)
		return
	}
	m.startHuddleTimerLocked()
	m.mu.Unlock()
}

// outgoingStreamLocked returns the tracks a newly created peer session
// should send. While a screen share runs, the screen track is the
// outgoing video for every peer, late joiners included.
func (m *Manager) outgoingStreamLocked() *LocalStream {
	sess := m.session
	if sess == nil {
		return nil
	}
	out := &LocalStream{}
	if sess.stream != nil {
		out.Audio = sess.stream.Audio
		out.Video = sess.stream.Video
	}
	if sess.screenSharing && sess.screenTrack != nil {
		out.Video = sess.screenTrack
	}
	return out
}

// initiateTo performs the initiator side of negotiation with one user:
// create the session, attach local media, offer.
func (m *Manager) initiateTo(ctx context.Context, user string) error {
	m.mu.Lock()
	sess := m.session
	outgoing := m.outgoingStreamLocked()
	m.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	ps, created, err := m.registry.Setup(user, true)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	m.peerGauge.Add(ctx, 1)

	if err := ps.AttachStream(outgoing); err != nil {
		m.registry.Remove(user)
		m.peerGauge.Add(ctx, -1)
		return err
	}
	offer, err := ps.CreateOffer()
	if err != nil {
		m.registry.Remove(user)
		m.peerGauge.Add(ctx, -1)
		return err
	}
	m.emitPeersChanged()

	return m.transport.Send(ctx, user, signaling.SignalTypeOffer, signaling.OfferPayload{
		SDP:       offer,
		CallType:  sess.kind,
		ChannelID: sess.channel.ID,
		Direct:    sess.channel.Direct,
	})
}

// respondTo performs the responder side: create the session, attach local
// media, apply the remote offer, answer.
func (m *Manager) respondTo(ctx context.Context, user, offerSDP string) error {
	m.mu.Lock()
	sess := m.session
	outgoing := m.outgoingStreamLocked()
	m.mu.Unlock()
	if sess == nil {
		return ErrNoSession
	}

	ps, created, err := m.registry.Setup(user, false)
	if err != nil {
		return err
	}
	if created {
		m.peerGauge.Add(ctx, 1)
		if err := ps.AttachStream(outgoing); err != nil {
			m.registry.Remove(user)
			m.peerGauge.Add(ctx, -1)
			return err
		}
	}
	answer, errs := ps.HandleRemoteOffer(offerSDP)
	for _, e := range errs {
		m.log.Warnf("negotiating with %s: %v", user, e)
	}
	if answer == "" {
		return ErrPeerClosed
	}
	m.emitPeersChanged()
	return m.sendAnswer(ctx, user, answer)
}

func (m *Manager) sendAnswer(ctx context.Context, user, sdp string) error {
	err := m.transport.Send(ctx, user, signaling.SignalTypeAnswer, signaling.AnswerPayload{SDP: sdp})
	if err != nil {
		m.log.Errorf("sending answer to %s: %v", user, err)
	}
	return err
}

func (m *Manager) sendBye(ctx context.Context, user string) {
	if err := m.transport.Send(ctx, user, signaling.SignalTypeBye, nil); err != nil {
		m.log.Warnf("sending bye to %s: %v", user, err)
	}
}

// OnCandidateGenerated implements EventSink: relay local candidates.
func (m *Manager) OnCandidateGenerated(remoteUser string, candidate webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.transport.Send(ctx, remoteUser, signaling.SignalTypeCandidate,
		signaling.CandidateFromInit(candidate))
	if err != nil {
		m.log.Warnf("relaying candidate to %s: %v", remoteUser, err)
	}
}

// OnTrackReceived implements EventSink: record remote media.
func (m *Manager) OnTrackReceived(remoteUser string, track RemoteTrack) {
	ps := m.registry.Get(remoteUser)
	if ps == nil {
		m.log.Warnf("track from %s without a peer session, dropped", remoteUser)
		return
	}
	ps.addRemoteTrack(track)

	m.mu.Lock()
	fn := m.onRemoteTrack
	m.mu.Unlock()
	if fn != nil {
		fn(remoteUser, track)
	}
}

// OnPeerDisconnected implements EventSink: a failed connection is removed
// like a Bye, since no Bye will arrive from a dead peer.
func (m *Manager) OnPeerDisconnected(remoteUser string, err error) {
	m.log.Infof("peer %s disconnected: %v", remoteUser, err)

	m.mu.Lock()
	if m.session == nil || m.registry.Get(remoteUser) == nil {
		m.mu.Unlock()
		return
	}
	m.removePeerLocked(context.Background(), remoteUser)
}

// HandleRosterUpdate reconciles the authoritative participant list of the
// active huddle. Push updates and the poll fallback both land here;
// identical snapshots are deduplicated. Peers missing from the roster are
// closed on the assumption that their Bye was lost.
func (m *Manager) HandleRosterUpdate(users []string) {
	m.mu.Lock()
	if m.session == nil || m.session.channel.Direct {
		m.mu.Unlock()
		return
	}
	present := make(map[string]bool, len(users))
	for _, u := range users {
		present[u] = true
	}
	var gone []string
	for _, u := range m.registry.Users() {
		if !present[u] {
			gone = append(gone, u)
		}
	}
	m.mu.Unlock()

	if len(gone) == 0 {
		return
	}
	ctx := context.Background()
	for _, u := range gone {
		m.log.Infof("roster dropped %s, closing peer session", u)
		m.mu.Lock()
		if m.session == nil || m.registry.Get(u) == nil {
			m.mu.Unlock()
			continue
		}
		m.removePeerLocked(ctx, u)
	}
}

func (m *Manager) findRequestLocked(callerID string) *IncomingCall {
	for _, req := range m.incoming {
		if req.CallerID == callerID {
			return req
		}
	}
	return nil
}

func (m *Manager) hasRequestLocked(req *IncomingCall) bool {
	for _, r := range m.incoming {
		if r == req {
			return true
		}
	}
	return false
}

func (m *Manager) removeRequestLocked(req *IncomingCall) {
	for i, r := range m.incoming {
		if r == req {
			m.incoming = append(m.incoming[:i], m.incoming[i+1:]...)
			return
		}
	}
}

// startHuddleTimerLocked arms the empty-huddle timeout. The session stays
// active with zero peers so an early arrival can wait for others, but not
// forever.
func (m *Manager) startHuddleTimerLocked() {
	m.stopHuddleTimerLocked()
	if m.cfg.EmptyHuddleTimeout <= 0 {
		return
	}
	epoch := m.epoch
	m.huddleTimer = time.AfterFunc(m.cfg.EmptyHuddleTimeout, func() {
		m.mu.Lock()
		if m.session != nil && m.epoch == epoch && m.registry.Count() == 0 {
			m.log.Infof("empty huddle timed out, hanging up")
			_ = m.hangupLocked(context.Background(), false)
			return
		}
		m.mu.Unlock()
	})
}

func (m *Manager) stopHuddleTimerLocked() {
	if m.huddleTimer != nil {
		m.huddleTimer.Stop()
		m.huddleTimer = nil
	}
}

func (m *Manager) setRingbackLocked(on bool) {
	if m.ringback == on {
		return
	}
	m.ringback = on
	fn := m.onRingback
	if fn != nil {
		go fn(on)
	}
}

func (m *Manager) emitStateChange() {
	m.mu.Lock()
	fn := m.onStateChange
	state := m.stateLocked()
	m.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (m *Manager) emitIncoming(req IncomingCall) {
	m.mu.Lock()
	fn := m.onIncoming
	m.mu.Unlock()
	if fn != nil {
		fn(req)
	}
}

func (m *Manager) emitPeersChanged() {
	m.mu.Lock()
	fn := m.onPeersChanged
	m.mu.Unlock()
	if fn != nil {
		fn(m.registry.Users())
	}
}
