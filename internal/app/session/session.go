// Package session runs one agent session: it owns the role, room and peer
// identifiers, serializes every event onto a single loop, and tears
// everything down in one step.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/app/chat"
	"github.com/dkeye/Duet/internal/app/coord"
	"github.com/dkeye/Duet/internal/app/negotiation"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

var (
	ErrClosed              = errors.New("session closed")
	ErrNegotiationTimeout  = errors.New("negotiation did not complete in time")
	ErrConnectionFailed    = errors.New("peer connection failed")
	errIdentifierImmutable = errors.New("identifier already set")
)

const loopBuffer = 64

type Options struct {
	RoleRequest        negotiation.RoleRequest
	NegotiationTimeout time.Duration
	Annotator          negotiation.Annotator
}

// State is a snapshot published to subscribers.
type State struct {
	Role       domain.Role
	Room       domain.RoomID
	Peer       domain.PeerID
	Phase      domain.Phase
	Presence   int
	Transcript []domain.ChatMessage
	// Err is the cause of a fatal teardown, nil otherwise.
	Err error
	// Reason is set once the session is closed.
	Reason string
}

type Session struct {
	opts    Options
	ch      core.SignalChannel
	coord   *coord.Coordinator
	machine *negotiation.Machine
	chat    *chat.Client
	logger  zerolog.Logger

	// mu is held by the loop while it runs an event and by Close.
	mu     sync.Mutex
	role   domain.Role
	room   domain.RoomID
	peer   domain.PeerID
	paired bool
	// early holds descriptions and candidates that arrived before pairing.
	early []func()
	timer *time.Timer
	// timerGen invalidates expiries of stopped timers already queued on the loop.
	timerGen int
	subs     []func(State)

	loop      chan func()
	closed    chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	err       error
	reason    string
}

func New(ch core.SignalChannel, c *coord.Coordinator, opts Options) *Session {
	s := &Session{
		opts:   opts,
		ch:     ch,
		coord:  c,
		logger: log.With().Str("module", "agent.session").Logger(),
		loop:   make(chan func(), loopBuffer),
		closed: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	mopts := []negotiation.Option{negotiation.WithPhaseHook(s.onPhase)}
	if opts.Annotator != nil {
		mopts = append(mopts, negotiation.WithAnnotator(opts.Annotator))
	}
	s.machine = negotiation.New(outbox{s}, mopts...)
	s.chat = chat.New(ch)
	s.register()
	return s
}

// Subscribe registers fn for state snapshots. fn runs on the session loop
// and must not call back into the session.
func (s *Session) Subscribe(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Run requests a role and processes events until the session closes.
// It returns nil when the session closed normally, including on a relay-sent
// disconnect or ctx cancellation. A lost relay transport is a *domain.ChannelError.
func (s *Session) Run(ctx context.Context) error {
	go s.requestRole(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return s.Err()
		case <-s.closed:
			return s.Err()
		case fn := <-s.loop:
			s.mu.Lock()
			if !s.isClosed() {
				fn()
			}
			s.mu.Unlock()
		}
	}
}

// Close tears the session down. Safe to call from any goroutine and more
// than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown("closed", nil)
}

// Done is closed after teardown.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Err is the fatal error that closed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state()
}

// SendText adds text to the transcript and forwards it. Text sent before
// pairing is held and forwarded once the room is known.
func (s *Session) SendText(ctx context.Context, text string) (domain.ChatMessage, error) {
	type result struct {
		msg domain.ChatMessage
		err error
	}
	done := make(chan result, 1)
	s.post(func() {
		msg, added, err := s.chat.SendText(text)
		if added {
			s.publish()
		}
		if err != nil {
			s.handle("send_text", err)
		}
		done <- result{msg, err}
	})
	select {
	case r := <-done:
		return r.msg, r.err
	case <-s.closed:
		return domain.ChatMessage{}, ErrClosed
	case <-ctx.Done():
		return domain.ChatMessage{}, ctx.Err()
	}
}

func (s *Session) post(fn func()) {
	select {
	case <-s.closed:
	case s.loop <- fn:
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Session) on(event string, fn func(args []json.RawMessage)) {
	s.ch.On(event, func(args []json.RawMessage) {
		s.post(func() { fn(args) })
	})
}

func (s *Session) register() {
	s.on(protocol.EventRoomID, s.onRoomID)
	s.on(protocol.EventRemoteSocket, s.onRemoteSocket)
	s.on(protocol.EventSDPReply, s.onDescription)
	s.on(protocol.EventICEReply, s.onCandidate)
	s.on(protocol.EventGetMessage, s.onMessage)
	s.on(protocol.EventOnlineUsers, s.onOnlineUsers)
	s.on(protocol.EventError, s.onRelayError)
	s.on(protocol.EventDisconnected, s.onDisconnected)
}

// onDisconnected closes cleanly when the relay ends the session and fails the
// session when the channel lost its transport.
func (s *Session) onDisconnected(args []json.RawMessage) {
	var p protocol.ErrorPayload
	if len(args) > 0 && protocol.Arg(args, 0, &p) == nil && p.Code == protocol.CodeTransportLost {
		s.handle("transport", &domain.ChannelError{
			Op:  protocol.EventDisconnected,
			Err: fmt.Errorf("%w: %s", domain.ErrTransportLost, p.Message),
		})
		return
	}
	s.logger.Info().Str("peer", string(s.peer)).Msg("remote disconnected")
	s.teardown("remote disconnected", nil)
}

func (s *Session) requestRole(ctx context.Context) {
	role, err := negotiation.RequestRole(ctx, s.ch, s.opts.RoleRequest)
	s.post(func() {
		if err != nil {
			s.handle("request_role", err)
			return
		}
		s.assignRole(role)
	})
}

func (s *Session) assignRole(role domain.Role) {
	if err := s.machine.AssignRole(role); err != nil {
		s.handle("assign_role", err)
		return
	}
	s.role = role
	s.logger = s.logger.With().Str("role", role.String()).Logger()
	if err := s.chat.Bind(role, s.room); err != nil {
		s.handle("flush_text", err)
	}
	s.pairIfReady()
	s.publish()
}

func (s *Session) onRoomID(args []json.RawMessage) {
	var id string
	if err := protocol.Arg(args, 0, &id); err != nil || id == "" {
		s.handle("roomid", &domain.NegotiationError{Step: "roomid", Err: fmt.Errorf("bad room id: %v", err)})
		return
	}
	if s.room != "" {
		if string(s.room) != id {
			s.handle("roomid", &domain.NegotiationError{Step: "roomid", Err: errIdentifierImmutable})
		}
		return
	}
	s.room = domain.RoomID(id)
	s.logger = s.logger.With().Str("room", id).Logger()
	if err := s.chat.Bind(s.role, s.room); err != nil {
		s.handle("flush_text", err)
	}
	s.publish()
}

func (s *Session) onRemoteSocket(args []json.RawMessage) {
	var id string
	if err := protocol.Arg(args, 0, &id); err != nil || id == "" {
		s.handle("remote_socket", &domain.NegotiationError{Step: "remote_socket", Err: fmt.Errorf("bad peer id: %v", err)})
		return
	}
	if s.peer != "" {
		if string(s.peer) != id {
			s.handle("remote_socket", &domain.NegotiationError{Step: "remote_socket", Err: errIdentifierImmutable})
		}
		return
	}
	s.peer = domain.PeerID(id)
	s.logger = s.logger.With().Str("peer", id).Logger()
	s.pairIfReady()
	s.publish()
}

// pairIfReady runs once both the role and the peer are known. The relay's
// acknowledgement of "start" and its pairing notification may be observed in
// either order.
func (s *Session) pairIfReady() {
	if s.paired || s.role == domain.RoleUnassigned || s.peer == "" {
		return
	}
	s.paired = true
	pc, err := s.coord.Connect(s.ctx, s.post, coord.Handlers{
		NegotiationNeeded: func() { s.handle("negotiation_needed", s.machine.NegotiationNeeded()) },
		LocalCandidate:    func(c webrtc.ICECandidateInit) { s.handle("local_candidate", s.machine.HandleLocalCandidate(c)) },
		StateChange:       s.onConnectionState,
	})
	if err != nil {
		s.handle("connect", err)
		return
	}
	if err := s.machine.Pair(pc); err != nil {
		s.handle("pair", err)
		return
	}
	early := s.early
	s.early = nil
	for _, fn := range early {
		fn()
	}
}

// armTimer starts the negotiation deadline for a round unless one is running.
func (s *Session) armTimer() {
	if s.opts.NegotiationTimeout <= 0 || s.timer != nil || s.isClosed() {
		return
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.opts.NegotiationTimeout, func() {
		s.post(func() { s.checkNegotiated(gen) })
	})
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Session) checkNegotiated(gen int) {
	if gen != s.timerGen {
		return
	}
	s.timer = nil
	if s.machine.Phase() == domain.PhaseStable {
		return
	}
	s.handle("negotiation_timeout", &domain.SessionError{
		Reason: "negotiation timeout",
		Err:    fmt.Errorf("%w: phase %s after %s", ErrNegotiationTimeout, s.machine.Phase(), s.opts.NegotiationTimeout),
	})
}

func (s *Session) onDescription(args []json.RawMessage) {
	var p protocol.DescriptionPayload
	if err := protocol.Arg(args, 0, &p); err != nil || p.SDP == nil {
		s.handle("sdp_reply", &domain.NegotiationError{Step: "sdp_reply", Err: fmt.Errorf("bad payload: %v", err)})
		return
	}
	desc, err := p.SDP.ToPion()
	if err != nil {
		s.handle("sdp_reply", &domain.NegotiationError{Step: "sdp_reply", Err: err})
		return
	}
	apply := func() {
		if !s.fromPeer(p.From) {
			return
		}
		s.handle("remote_description", s.machine.HandleRemoteDescription(desc))
	}
	if !s.pairedUp() {
		s.early = append(s.early, apply)
		return
	}
	apply()
}

func (s *Session) onCandidate(args []json.RawMessage) {
	var p protocol.CandidatePayload
	if err := protocol.Arg(args, 0, &p); err != nil {
		s.handle("ice_reply", &domain.NegotiationError{Step: "ice_reply", Err: err})
		return
	}
	// A null candidate marks the end of gathering. Nothing to apply.
	if p.Candidate == nil || p.Candidate.Candidate == "" {
		return
	}
	c := p.Candidate.ToPion()
	apply := func() {
		if !s.fromPeer(p.From) {
			return
		}
		s.handle("remote_candidate", s.machine.HandleRemoteCandidate(c))
	}
	if !s.pairedUp() {
		s.early = append(s.early, apply)
		return
	}
	apply()
}

func (s *Session) pairedUp() bool {
	return s.paired && s.machine.Phase() >= domain.PhasePaired
}

func (s *Session) fromPeer(from string) bool {
	if from == "" || from == string(s.peer) {
		return true
	}
	s.logger.Warn().Str("from", from).Msg("payload from unknown peer dropped")
	return false
}

func (s *Session) onMessage(args []json.RawMessage) {
	var text string
	if err := protocol.Arg(args, 0, &text); err != nil {
		s.handle("get_message", &domain.NegotiationError{Step: "get_message", Err: err})
		return
	}
	s.chat.Receive(text)
	s.publish()
}

func (s *Session) onOnlineUsers(args []json.RawMessage) {
	var n int
	if err := protocol.Arg(args, 0, &n); err != nil {
		s.logger.Warn().Err(err).Msg("bad online-users payload")
		return
	}
	s.chat.SetPresence(n)
	s.publish()
}

func (s *Session) onRelayError(args []json.RawMessage) {
	var p protocol.ErrorPayload
	_ = protocol.Arg(args, 0, &p)
	s.logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("relay rejected a frame")
}

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.machine.Connected()
	case webrtc.PeerConnectionStateDisconnected:
		s.machine.Disconnected()
	case webrtc.PeerConnectionStateFailed:
		s.handle("connection_state", &domain.SessionError{Reason: "connection", Err: ErrConnectionFailed})
	}
}

func (s *Session) onPhase(from, to domain.Phase) {
	switch to {
	case domain.PhasePaired, domain.PhaseOfferSent, domain.PhaseAnswerSent:
		s.armTimer()
	case domain.PhaseStable:
		s.stopTimer()
	}
	s.publish()
}

// handle absorbs recoverable errors and routes fatal ones to teardown.
func (s *Session) handle(step string, err error) {
	if err == nil {
		return
	}
	if domain.IsFatal(err) {
		s.logger.Error().Err(err).Str("step", step).Msg("fatal")
		s.teardown(step, err)
		return
	}
	if errors.Is(err, negotiation.ErrClosed) {
		return
	}
	s.logger.Warn().Err(err).Str("step", step).Msg("step skipped")
}

// teardown is the only exit path. Callers hold mu.
func (s *Session) teardown(reason string, cause error) {
	s.closeOnce.Do(func() {
		s.err = cause
		s.reason = reason
		// Closing first stops further events from being queued by callbacks
		// fired while the connection shuts down.
		close(s.closed)
		s.cancel()
		s.stopTimer()
		s.early = nil
		// Publishes the Closed phase.
		s.machine.Close()
		if err := s.coord.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("peer connection close")
		}
		if err := s.ch.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("signaling channel close")
		}
		s.logger.Info().Str("reason", reason).Msg("session closed")
	})
}

func (s *Session) state() State {
	return State{
		Role:       s.role,
		Room:       s.room,
		Peer:       s.peer,
		Phase:      s.machine.Phase(),
		Presence:   s.chat.Presence(),
		Transcript: s.chat.Transcript(),
		Err:        s.err,
		Reason:     s.reason,
	}
}

func (s *Session) publish() {
	if len(s.subs) == 0 {
		return
	}
	st := s.state()
	for _, fn := range s.subs {
		fn(st)
	}
}

// outbox addresses negotiation output to the paired peer. A failed send is a
// transport failure.
type outbox struct{ s *Session }

func (o outbox) SendDescription(d webrtc.SessionDescription) error {
	sdp := protocol.SDPFromPion(d)
	err := o.s.ch.Send(protocol.EventSDPSend, protocol.DescriptionPayload{SDP: &sdp, To: string(o.s.peer)})
	if err != nil {
		return &domain.ChannelError{Op: protocol.EventSDPSend, Err: err}
	}
	return nil
}

func (o outbox) SendCandidate(c webrtc.ICECandidateInit) error {
	cand := protocol.CandidateFromPion(c)
	err := o.s.ch.Send(protocol.EventICESend, protocol.CandidatePayload{Candidate: &cand, To: string(o.s.peer)})
	if err != nil {
		return &domain.ChannelError{Op: protocol.EventICESend, Err: err}
	}
	return nil
}
