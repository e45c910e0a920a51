package negotiation

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const testSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n"

func offer(tag string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testSDP + "a=tag:" + tag + "\r\n"}
}

func answer(tag string) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testSDP + "a=tag:" + tag + "\r\n"}
}

func cand(name string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: name}
}

// fakePeer records the operations applied to it, in order.
type fakePeer struct {
	ops        []string
	applied    []string
	locals     []string
	offerErr   error
	remoteErr  error
	rejectCand map[string]bool
	created    int
	closed     int
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	p.created++
	p.ops = append(p.ops, "create_offer")
	return offer(fmt.Sprintf("local-%d", p.created)), nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	p.created++
	p.ops = append(p.ops, "create_answer")
	return answer(fmt.Sprintf("local-%d", p.created)), nil
}

func (p *fakePeer) SetLocalDescription(d webrtc.SessionDescription) error {
	p.ops = append(p.ops, "set_local:"+d.Type.String())
	p.locals = append(p.locals, d.SDP)
	return nil
}

func (p *fakePeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.ops = append(p.ops, "set_remote:"+d.Type.String())
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	if p.rejectCand[c.Candidate] {
		return errors.New("bad candidate")
	}
	p.ops = append(p.ops, "candidate:"+c.Candidate)
	p.applied = append(p.applied, c.Candidate)
	return nil
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) error { return nil }
func (p *fakePeer) AddReceiver(webrtc.RTPCodecType) error { return nil }
func (p *fakePeer) OnNegotiationNeeded(func()) {}
func (p *fakePeer) OnICECandidate(func(webrtc.ICECandidateInit)) {}
func (p *fakePeer) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}
func (p *fakePeer) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (p *fakePeer) Close() error { p.closed++; return nil }

type fakeOutbox struct {
	descriptions []webrtc.SessionDescription
	candidates   []webrtc.ICECandidateInit
	err          error
}

func (o *fakeOutbox) SendDescription(d webrtc.SessionDescription) error {
	if o.err != nil {
		return o.err
	}
	o.descriptions = append(o.descriptions, d)
	return nil
}

func (o *fakeOutbox) SendCandidate(c webrtc.ICECandidateInit) error {
	if o.err != nil {
		return o.err
	}
	o.candidates = append(o.candidates, c)
	return nil
}
