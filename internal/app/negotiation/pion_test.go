package negotiation_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/adapters/rtc"
	"github.com/dkeye/Duet/internal/app/negotiation"
	"github.com/dkeye/Duet/internal/domain"
)

// loop runs posted functions one at a time, the way the session does.
type loop struct {
	fns  chan func()
	done chan struct{}

	mu   sync.Mutex
	errs []error
}

func newLoop(t *testing.T) *loop {
	l := &loop{fns: make(chan func(), 256), done: make(chan struct{})}
	go func() {
		for {
			select {
			case <-l.done:
				return
			case fn := <-l.fns:
				fn()
			}
		}
	}()
	t.Cleanup(func() { close(l.done) })
	return l
}

func (l *loop) post(fn func()) {
	select {
	case <-l.done:
	case l.fns <- fn:
	}
}

func (l *loop) check(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *loop) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

// link delivers one side's output to the other machine on the loop.
type link struct {
	l      *loop
	remote **negotiation.Machine

	mu   sync.Mutex
	sent []webrtc.SessionDescription
}

func (k *link) SendDescription(d webrtc.SessionDescription) error {
	k.mu.Lock()
	k.sent = append(k.sent, d)
	k.mu.Unlock()
	k.l.post(func() { k.l.check((*k.remote).HandleRemoteDescription(d)) })
	return nil
}

func (k *link) SendCandidate(c webrtc.ICECandidateInit) error {
	k.l.post(func() { k.l.check((*k.remote).HandleRemoteCandidate(c)) })
	return nil
}

func (k *link) descriptions() []webrtc.SessionDescription {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]webrtc.SessionDescription(nil), k.sent...)
}

type side struct {
	m     *negotiation.Machine
	pc    *rtc.WebRTCConnection
	out   *link
	phase atomic.Int64
}

func newSide(t *testing.T, l *loop, api *webrtc.API, role domain.Role, remote **negotiation.Machine) *side {
	t.Helper()
	s := &side{out: &link{l: l, remote: remote}}
	s.m = negotiation.New(s.out,
		negotiation.WithAnnotator(negotiation.BandwidthCap{KBps: 100}),
		negotiation.WithPhaseHook(func(_, to domain.Phase) { s.phase.Store(int64(to)) }),
	)
	pc, err := rtc.NewWebRTCConnection(api, webrtc.Configuration{}, role.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	s.pc = pc

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		l.post(func() { l.check(s.m.HandleLocalCandidate(c)) })
	})
	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if st == webrtc.PeerConnectionStateConnected {
			l.post(s.m.Connected)
		}
	})
	require.NoError(t, s.m.AssignRole(role))
	return s
}

func (s *side) currentPhase() domain.Phase { return domain.Phase(s.phase.Load()) }

func TestMachinesNegotiateOverPion(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}
	api := rtc.NewAPI(func(se *webrtc.SettingEngine) {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	})
	l := newLoop(t)

	var initiatorM, responderM *negotiation.Machine
	initiator := newSide(t, l, api, domain.RoleInitiator, &responderM)
	responder := newSide(t, l, api, domain.RoleResponder, &initiatorM)
	initiatorM, responderM = initiator.m, responder.m

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "duet")
	require.NoError(t, err)
	require.NoError(t, initiator.pc.AddTrack(track))

	paired := make(chan struct{})
	l.post(func() {
		l.check(initiator.m.Pair(initiator.pc))
		l.check(responder.m.Pair(responder.pc))
		l.check(initiator.m.NegotiationNeeded())
		close(paired)
	})
	<-paired

	require.Eventually(t, func() bool {
		return initiator.currentPhase() == domain.PhaseStable && responder.currentPhase() == domain.PhaseStable
	}, 15*time.Second, 20*time.Millisecond, "initiator %s responder %s", initiator.currentPhase(), responder.currentPhase())

	for _, err := range l.errors() {
		var ne *domain.NegotiationError
		assert.NotErrorAs(t, err, &ne)
	}

	offers := initiator.out.descriptions()
	require.Len(t, offers, 1)
	assert.Equal(t, webrtc.SDPTypeOffer, offers[0].Type)
	assert.Contains(t, offers[0].SDP, "b=AS:100")

	answers := responder.out.descriptions()
	require.Len(t, answers, 1)
	assert.Equal(t, webrtc.SDPTypeAnswer, answers[0].Type)
	assert.Contains(t, answers[0].SDP, "b=AS:100")
}
