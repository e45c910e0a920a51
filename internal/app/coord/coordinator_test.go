package coord

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

type fakePeer struct {
	tracks    []webrtc.TrackLocal
	receivers []webrtc.RTPCodecType
	addErr    error
	closed    int

	onNeg   func()
	onCand  func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}
func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{}, nil
}
func (p *fakePeer) SetLocalDescription(webrtc.SessionDescription) error { return nil }
func (p *fakePeer) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (p *fakePeer) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (p *fakePeer) AddTrack(t webrtc.TrackLocal) error {
	if p.addErr != nil {
		return p.addErr
	}
	p.tracks = append(p.tracks, t)
	return nil
}
func (p *fakePeer) AddReceiver(kind webrtc.RTPCodecType) error {
	p.receivers = append(p.receivers, kind)
	return nil
}
func (p *fakePeer) OnNegotiationNeeded(fn func()) { p.onNeg = fn }
func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) { p.onCand = fn }
func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { p.onState = fn }
func (p *fakePeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.onTrack = fn
}
func (p *fakePeer) Close() error {
	p.closed++
	return nil
}

type fakeTrack struct {
	kind     webrtc.RTPCodecType
	local    webrtc.TrackLocal
	applied  []core.VideoConstraints
	applyErr error
	stopped  bool
}

func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Local() webrtc.TrackLocal { return t.local }
func (t *fakeTrack) ApplyConstraints(v core.VideoConstraints) error {
	t.applied = append(t.applied, v)
	return t.applyErr
}
func (t *fakeTrack) Stop() { t.stopped = true }

type fakeStream struct {
	tracks   []core.LocalTrack
	released int
}

func (s *fakeStream) Tracks() []core.LocalTrack { return s.tracks }
func (s *fakeStream) Release() { s.released++ }

type fakeCapturer struct {
	stream core.MediaStream
	err    error
	calls  int
}

func (c *fakeCapturer) Acquire(context.Context, core.Constraints) (core.MediaStream, error) {
	c.calls++
	return c.stream, c.err
}

func newTrack(t *testing.T, kind webrtc.RTPCodecType) *fakeTrack {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "duet")
	require.NoError(t, err)
	return &fakeTrack{kind: kind, local: local}
}

func syncPost(fn func()) { fn() }

var videoConstraints = core.Constraints{
	Audio: true,
	Video: &core.VideoConstraints{Width: 240, Height: 240, MaxFrameRate: 10, AspectRatio: 1},
}

func TestConnectAttachesTracksAndAppliesConstraints(t *testing.T) {
	peer := &fakePeer{}
	video := newTrack(t, webrtc.RTPCodecTypeVideo)
	video.applyErr = errors.New("unsupported")
	audio := newTrack(t, webrtc.RTPCodecTypeAudio)
	stream := &fakeStream{tracks: []core.LocalTrack{audio, video}}
	c := New(func() (core.PeerConnection, error) { return peer, nil }, &fakeCapturer{stream: stream}, nil, videoConstraints)

	pc, err := c.Connect(context.Background(), syncPost, Handlers{})
	require.NoError(t, err)
	assert.Same(t, peer, pc)
	assert.Len(t, peer.tracks, 2)
	assert.Empty(t, peer.receivers)
	require.Len(t, video.applied, 1)
	assert.Equal(t, 240, video.applied[0].Width)
	assert.Empty(t, audio.applied)
}

func TestConnectOnlyOnce(t *testing.T) {
	created := 0
	factory := func() (core.PeerConnection, error) {
		created++
		return &fakePeer{}, nil
	}
	stream := &fakeStream{tracks: []core.LocalTrack{newTrack(t, webrtc.RTPCodecTypeAudio)}}
	c := New(factory, &fakeCapturer{stream: stream}, nil, core.Constraints{Audio: true})

	_, err := c.Connect(context.Background(), syncPost, Handlers{})
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), syncPost, Handlers{})
	assert.ErrorIs(t, err, ErrAlreadyConnected)
	assert.Equal(t, 1, created)
}

func TestPartialCaptureContinues(t *testing.T) {
	peer := &fakePeer{}
	stream := &fakeStream{tracks: []core.LocalTrack{newTrack(t, webrtc.RTPCodecTypeAudio)}}
	capErr := &domain.DeviceError{Kind: "video", Err: domain.ErrNoDevice}
	c := New(func() (core.PeerConnection, error) { return peer, nil }, &fakeCapturer{stream: stream, err: capErr}, nil, videoConstraints)

	_, err := c.Connect(context.Background(), syncPost, Handlers{})
	require.NoError(t, err)
	assert.Len(t, peer.tracks, 1)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo}, peer.receivers)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}, c.Attached())
}

func TestNoTracksIsSessionError(t *testing.T) {
	peer := &fakePeer{}
	capErr := &domain.DeviceError{Kind: "audio", Err: domain.ErrPermissionDenied}
	c := New(func() (core.PeerConnection, error) { return peer, nil }, &fakeCapturer{err: capErr}, nil, videoConstraints)

	_, err := c.Connect(context.Background(), syncPost, Handlers{})
	var se *domain.SessionError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, domain.ErrNoTracks)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.True(t, domain.IsFatal(err))
}

func TestRejectedTracksCountAsMissing(t *testing.T) {
	peer := &fakePeer{addErr: errors.New("no codec")}
	stream := &fakeStream{tracks: []core.LocalTrack{newTrack(t, webrtc.RTPCodecTypeVideo)}}
	c := New(func() (core.PeerConnection, error) { return peer, nil }, &fakeCapturer{stream: stream}, nil, videoConstraints)

	_, err := c.Connect(context.Background(), syncPost, Handlers{})
	assert.ErrorIs(t, err, domain.ErrNoTracks)
}

func TestFactoryFailure(t *testing.T) {
	capt := &fakeCapturer{}
	c := New(func() (core.PeerConnection, error) { return nil, errors.New("boom") }, capt, nil, videoConstraints)

	_, err := c.Connect(context.Background(), syncPost, Handlers{})
	var se *domain.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 0, capt.calls)
}

func TestCallbacksArePosted(t *testing.T) {
	peer := &fakePeer{}
	stream := &fakeStream{tracks: []core.LocalTrack{newTrack(t, webrtc.RTPCodecTypeAudio)}}
	c := New(func() (core.PeerConnection, error) { return peer, nil }, &fakeCapturer{stream: stream}, nil, core.Constraints{Audio: true})

	var queue []func()
	post := func(fn func()) { queue = append(queue, fn) }
	var (
		needed int
		cands  []string
		states []webrtc.PeerConnectionState
	)
	_, err := c.Connect(context.Background(), post, Handlers{
		NegotiationNeeded: func() { needed++ },
		LocalCandidate:    func(ci webrtc.ICECandidateInit) { cands = append(cands, ci.Candidate) },
		StateChange:       func(s webrtc.PeerConnectionState) { states = append(states, s) },
	})
	require.NoError(t, err)

	peer.onNeg()
	peer.onCand(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	peer.onState(webrtc.PeerConnectionStateConnected)
	assert.Zero(t, needed)
	require.Len(t, queue, 3)
	for _, fn := range queue {
		fn()
	}
	assert.Equal(t, 1, needed)
	assert.Equal(t, []string{"candidate:1"}, cands)
	assert.Equal(t, []webrtc.PeerConnectionState{webrtc.PeerConnectionStateConnected}, states)
}

func TestCloseReleasesOnce(t *testing.T) {
	peer := &fakePeer{}
	stream := &fakeStream{tracks: []core.LocalTrack{newTrack(t, webrtc.RTPCodecTypeAudio)}}
	c := New(func() (core.PeerConnection, error) { return peer, nil }, &fakeCapturer{stream: stream}, nil, core.Constraints{Audio: true})
	_, err := c.Connect(context.Background(), syncPost, Handlers{})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, peer.closed)
	assert.Equal(t, 1, stream.released)

	_, err = c.Connect(context.Background(), syncPost, Handlers{})
	assert.Error(t, err)
}

func TestCloseBeforeConnect(t *testing.T) {
	c := New(func() (core.PeerConnection, error) { return &fakePeer{}, nil }, &fakeCapturer{}, nil, core.Constraints{})
	assert.NoError(t, c.Close())
}
