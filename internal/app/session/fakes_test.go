package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func sdpOf(t webrtc.SDPType, tag string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: t, SDP: testSDP + "a=tag:" + tag + "\r\n"}
}

type sent struct {
	event string
	args  []any
}

// fakeChannel answers "start" with role once gate is closed.
type fakeChannel struct {
	mu       sync.Mutex
	role     string
	gate     chan struct{}
	handlers map[string][]core.Handler
	frames   []sent
	sendErr  error
	closed   int
}

func newFakeChannel(role string) *fakeChannel {
	gate := make(chan struct{})
	close(gate)
	return &fakeChannel{role: role, gate: gate, handlers: map[string][]core.Handler{}}
}

func (c *fakeChannel) Send(event string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed > 0 {
		return &domain.ChannelError{Op: event, Err: domain.ErrChannelClosed}
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, sent{event: event, args: args})
	return nil
}

func (c *fakeChannel) Request(ctx context.Context, event string, _ ...any) ([]json.RawMessage, error) {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	raw, _ := json.Marshal(c.role)
	return []json.RawMessage{raw}, nil
}

func (c *fakeChannel) On(event string, h core.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

// deliver plays an inbound event the way the reader goroutine would.
func (c *fakeChannel) deliver(event string, args ...any) {
	raws := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			panic(err)
		}
		raws = append(raws, raw)
	}
	c.mu.Lock()
	hs := append([]core.Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(raws)
	}
}

func (c *fakeChannel) sentOf(event string) []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sent
	for _, f := range c.frames {
		if f.event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakePeer struct {
	mu      sync.Mutex
	ops     []string
	created int
	closed  int

	onNeg   func()
	onState func(webrtc.PeerConnectionState)
}

func (p *fakePeer) record(op string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, op)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.created++
	n := p.created
	p.mu.Unlock()
	return sdpOf(webrtc.SDPTypeOffer, fmt.Sprintf("local-%d", n)), nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	p.created++
	n := p.created
	p.mu.Unlock()
	return sdpOf(webrtc.SDPTypeAnswer, fmt.Sprintf("local-%d", n)), nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.record("set_local:" + d.Type.String())
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.record("set_remote:" + d.Type.String())
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.record("candidate:" + c.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error { return nil }
func (p *fakePeer) AddReceiver(webrtc.RTPCodecType) error { return nil }
func (p *fakePeer) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (p *fakePeer) OnNegotiationNeeded(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNeg = fn
}

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) negotiationNeeded() {
	p.mu.Lock()
	fn := p.onNeg
	p.mu.Unlock()
	fn()
}

func (p *fakePeer) state(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePeer) opsSnapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePeer) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeTrack struct{ local webrtc.TrackLocal }

func (t fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (t fakeTrack) Local() webrtc.TrackLocal { return t.local }
func (t fakeTrack) ApplyConstraints(core.VideoConstraints) error { return nil }
func (t fakeTrack) Stop() {}

type fakeStream struct {
	mu       sync.Mutex
	tracks   []core.LocalTrack
	released int
}

func (s *fakeStream) Tracks() []core.LocalTrack { return s.tracks }

func (s *fakeStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *fakeStream) releaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type fakeCapturer struct {
	stream core.MediaStream
	err    error
}

func (c fakeCapturer) Acquire(context.Context, core.Constraints) (core.MediaStream, error) {
	return c.stream, c.err
}

var errSend = errors.New("socket gone")
