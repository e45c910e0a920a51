// Package negotiation drives the offer/answer/candidate exchange of one
// session for the role the relay assigned.
//
// A Machine is not safe for concurrent use. The session serializes every call
// onto its event loop, so description and candidate steps always run in the
// order their triggering events arrived.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

var (
	ErrClosed              = errors.New("negotiation closed")
	ErrRoleAlreadyAssigned = errors.New("role already assigned")
	ErrRoleUnassigned      = errors.New("role unassigned")
	ErrAlreadyPaired       = errors.New("already paired")
	ErrNotPaired           = errors.New("not paired")
	ErrUnexpectedType      = errors.New("unexpected description type")
	ErrNoOutstandingOffer  = errors.New("no outstanding offer")
	ErrDuplicate           = errors.New("description already applied this round")
)

// Outbox transmits negotiation output to the remote agent.
type Outbox interface {
	SendDescription(webrtc.SessionDescription) error
	SendCandidate(webrtc.ICECandidateInit) error
}

type Option func(*Machine)

// WithAnnotator sets the quality annotation applied to offers and answers.
func WithAnnotator(a Annotator) Option {
	return func(m *Machine) { m.annotator = a }
}

// WithPhaseHook is called after every phase change.
func WithPhaseHook(fn func(from, to domain.Phase)) Option {
	return func(m *Machine) { m.onPhase = fn }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

type Machine struct {
	out       Outbox
	annotator Annotator
	onPhase   func(from, to domain.Phase)
	logger    zerolog.Logger

	role  domain.Role
	phase domain.Phase
	peer  core.PeerConnection

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription
	// roundRemote is set once the current round's remote description applied.
	roundRemote bool
	pending     []webrtc.ICECandidateInit

	// connected tracks the peer connection state so a responder that answers
	// a renegotiation on a live connection settles without a state change.
	connected bool

	round   int
	offers  int
	answers int
}

func New(out Outbox, opts ...Option) *Machine {
	m := &Machine{
		out:       out,
		annotator: Passthrough,
		logger:    log.With().Str("module", "agent.negotiation").Logger(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Machine) Phase() domain.Phase { return m.phase }
func (m *Machine) Role() domain.Role   { return m.role }

// Round is the number of negotiation rounds started so far.
func (m *Machine) Round() int { return m.round }

// Counts returns how many offers and answers this side has produced.
func (m *Machine) Counts() (offers, answers int) { return m.offers, m.answers }

// Pending is the number of buffered remote candidates.
func (m *Machine) Pending() int { return len(m.pending) }

func (m *Machine) LocalDescription() *webrtc.SessionDescription  { return m.local }
func (m *Machine) RemoteDescription() *webrtc.SessionDescription { return m.remote }

func (m *Machine) setPhase(to domain.Phase) {
	from := m.phase
	if from == to {
		return
	}
	m.phase = to
	m.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("phase")
	if m.onPhase != nil {
		m.onPhase(from, to)
	}
}

func negErr(step string, err error) error {
	return &domain.NegotiationError{Step: step, Err: err}
}

// AssignRole moves Idle → RoleAssigned. A role is assigned exactly once.
func (m *Machine) AssignRole(r domain.Role) error {
	if m.phase == domain.PhaseClosed {
		return ErrClosed
	}
	if r != domain.RoleInitiator && r != domain.RoleResponder {
		return negErr("assign_role", fmt.Errorf("invalid role %s", r))
	}
	if m.role != domain.RoleUnassigned {
		return negErr("assign_role", ErrRoleAlreadyAssigned)
	}
	m.role = r
	m.logger = m.logger.With().Str("role", r.String()).Logger()
	m.setPhase(domain.PhaseRoleAssigned)
	return nil
}

// Pair moves RoleAssigned → Paired and binds the peer connection.
func (m *Machine) Pair(pc core.PeerConnection) error {
	switch {
	case m.phase == domain.PhaseClosed:
		return ErrClosed
	case m.role == domain.RoleUnassigned:
		return negErr("pair", ErrRoleUnassigned)
	case m.peer != nil:
		return negErr("pair", ErrAlreadyPaired)
	}
	m.peer = pc
	m.setPhase(domain.PhasePaired)
	return nil
}

// NegotiationNeeded produces an offer on the initiator. The responder takes
// no action. While an offer is outstanding further triggers are ignored.
func (m *Machine) NegotiationNeeded() error {
	if m.phase == domain.PhaseClosed {
		return ErrClosed
	}
	if m.role != domain.RoleInitiator {
		return nil
	}
	if m.peer == nil {
		return negErr("offer", ErrNotPaired)
	}
	if m.phase != domain.PhasePaired && m.phase != domain.PhaseStable {
		m.logger.Debug().Str("phase", m.phase.String()).Msg("negotiation needed while offer outstanding, ignored")
		return nil
	}

	offer, err := m.peer.CreateOffer()
	if err != nil {
		return negErr("create_offer", err)
	}
	// The peer connection only accepts the description it generated, so the
	// annotation is applied to the transmitted copy.
	if err := m.peer.SetLocalDescription(offer); err != nil {
		return negErr("set_local_offer", err)
	}
	sent := m.annotate(offer)
	m.round++
	m.roundRemote = false
	m.local = &sent
	m.offers++
	if err := m.out.SendDescription(sent); err != nil {
		return err
	}
	m.setPhase(domain.PhaseOfferSent)
	return nil
}

// HandleRemoteDescription applies a description from the remote agent,
// flushes buffered candidates, and answers when this side is the responder.
func (m *Machine) HandleRemoteDescription(desc webrtc.SessionDescription) error {
	if m.phase == domain.PhaseClosed {
		return ErrClosed
	}
	if m.peer == nil {
		return negErr("remote_description", ErrNotPaired)
	}
	if err := ValidateDescription(desc); err != nil {
		return negErr("remote_description", err)
	}

	switch m.role {
	case domain.RoleInitiator:
		if desc.Type != webrtc.SDPTypeAnswer {
			return negErr("remote_description", fmt.Errorf("%w: %s", ErrUnexpectedType, desc.Type))
		}
		if m.roundRemote {
			return negErr("remote_description", ErrDuplicate)
		}
		if m.phase != domain.PhaseOfferSent {
			return negErr("remote_description", ErrNoOutstandingOffer)
		}
	case domain.RoleResponder:
		if desc.Type != webrtc.SDPTypeOffer {
			return negErr("remote_description", fmt.Errorf("%w: %s", ErrUnexpectedType, desc.Type))
		}
		if m.remote != nil && m.remote.SDP == desc.SDP {
			return negErr("remote_description", ErrDuplicate)
		}
		// A new offer opens a new round.
		m.round++
		m.roundRemote = false
		m.local = nil
	default:
		return negErr("remote_description", ErrRoleUnassigned)
	}

	if err := m.peer.SetRemoteDescription(desc); err != nil {
		return negErr("set_remote", err)
	}
	m.remote = &desc
	m.roundRemote = true
	m.flush()

	if m.role == domain.RoleInitiator {
		m.setPhase(domain.PhaseStable)
		return nil
	}
	if m.local != nil {
		return nil
	}
	return m.answer()
}

func (m *Machine) answer() error {
	ans, err := m.peer.CreateAnswer()
	if err != nil {
		return negErr("create_answer", err)
	}
	if err := m.peer.SetLocalDescription(ans); err != nil {
		return negErr("set_local_answer", err)
	}
	sent := m.annotate(ans)
	m.local = &sent
	m.answers++
	if err := m.out.SendDescription(sent); err != nil {
		return err
	}
	m.setPhase(domain.PhaseAnswerSent)
	if m.connected {
		m.setPhase(domain.PhaseStable)
	}
	return nil
}

func (m *Machine) annotate(d webrtc.SessionDescription) webrtc.SessionDescription {
	out, err := m.annotator.Annotate(d)
	if err != nil {
		// The unannotated description is still usable.
		m.logger.Warn().Err(err).Str("type", d.Type.String()).Msg("quality annotation failed, sending as is")
		return d
	}
	return out
}

// HandleRemoteCandidate applies c now if a remote description exists,
// otherwise buffers it until one does.
func (m *Machine) HandleRemoteCandidate(c webrtc.ICECandidateInit) error {
	if m.phase == domain.PhaseClosed {
		return ErrClosed
	}
	if m.peer == nil || m.remote == nil {
		m.pending = append(m.pending, c)
		m.logger.Debug().Int("pending", len(m.pending)).Msg("candidate buffered")
		return nil
	}
	if err := m.peer.AddICECandidate(c); err != nil {
		return negErr("add_candidate", err)
	}
	return nil
}

func (m *Machine) flush() {
	if len(m.pending) == 0 {
		return
	}
	queued := m.pending
	m.pending = nil
	for _, c := range queued {
		if err := m.peer.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("buffered candidate rejected")
		}
	}
	m.logger.Debug().Int("flushed", len(queued)).Msg("candidates flushed")
}

// HandleLocalCandidate transmits a gathered candidate immediately. Gathering
// races with the description exchange and that is expected.
func (m *Machine) HandleLocalCandidate(c webrtc.ICECandidateInit) error {
	if m.phase == domain.PhaseClosed {
		return ErrClosed
	}
	return m.out.SendCandidate(c)
}

// Connected is reported once the direct path is up.
func (m *Machine) Connected() {
	m.connected = true
	if m.phase == domain.PhaseAnswerSent {
		m.setPhase(domain.PhaseStable)
	}
}

// Disconnected is reported when the direct path is lost. ICE may still
// recover it and report Connected again.
func (m *Machine) Disconnected() { m.connected = false }

// Close is terminal; buffered candidates are discarded.
func (m *Machine) Close() {
	if m.phase == domain.PhaseClosed {
		return
	}
	m.pending = nil
	m.setPhase(domain.PhaseClosed)
}
