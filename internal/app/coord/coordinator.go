// Package coord owns the single peer connection of a session and wires
// captured media into it.
package coord

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

var ErrAlreadyConnected = errors.New("peer connection already created")

// Handlers receive peer connection events. Each call is scheduled through
// the post function given to Connect, never invoked directly.
type Handlers struct {
	NegotiationNeeded func()
	LocalCandidate    func(webrtc.ICECandidateInit)
	StateChange       func(webrtc.PeerConnectionState)
}

type Coordinator struct {
	factory     core.PeerFactory
	capturer    core.Capturer
	presenter   core.Presenter
	constraints core.Constraints
	logger      zerolog.Logger

	mu       sync.Mutex
	pc       core.PeerConnection
	stream   core.MediaStream
	attached []webrtc.RTPCodecType
	closed   bool
}

func New(factory core.PeerFactory, capturer core.Capturer, presenter core.Presenter, c core.Constraints) *Coordinator {
	return &Coordinator{
		factory:     factory,
		capturer:    capturer,
		presenter:   presenter,
		constraints: c,
		logger:      log.With().Str("module", "agent.coord").Logger(),
	}
}

// Connect creates the peer connection, registers h and attaches local media.
// It succeeds at most once. A capture failure for one kind is logged and the
// session continues without it; attaching nothing is a *domain.SessionError.
func (c *Coordinator) Connect(ctx context.Context, post func(func()), h Handlers) (core.PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &domain.SessionError{Reason: "connect after close"}
	}
	if c.pc != nil {
		return nil, ErrAlreadyConnected
	}

	pc, err := c.factory()
	if err != nil {
		return nil, &domain.SessionError{Reason: "create peer connection", Err: err}
	}
	c.pc = pc
	c.register(ctx, pc, post, h)

	stream, err := c.capturer.Acquire(ctx, c.constraints)
	if err != nil {
		var de *domain.DeviceError
		if errors.As(err, &de) {
			c.logger.Warn().Err(err).Str("kind", de.Kind).Msg("capture degraded")
		} else {
			c.logger.Warn().Err(err).Msg("capture failed")
		}
	}
	c.stream = stream

	if n := c.attach(pc, stream); n == 0 {
		cause := domain.ErrNoTracks
		if err != nil {
			cause = errors.Join(domain.ErrNoTracks, err)
		}
		return nil, &domain.SessionError{Reason: "attach media", Err: cause}
	}
	return pc, nil
}

func (c *Coordinator) register(ctx context.Context, pc core.PeerConnection, post func(func()), h Handlers) {
	pc.OnNegotiationNeeded(func() {
		if h.NegotiationNeeded != nil {
			post(h.NegotiationNeeded)
		}
	})
	pc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if h.LocalCandidate != nil {
			post(func() { h.LocalCandidate(ci) })
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.StateChange != nil {
			post(func() { h.StateChange(s) })
		}
	})
	// Remote media goes straight to presentation; it never touches
	// negotiation state.
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if c.presenter == nil {
			return
		}
		c.presenter.OnRemoteTrack(ctx, track)
	})
}

func (c *Coordinator) attach(pc core.PeerConnection, stream core.MediaStream) int {
	have := map[webrtc.RTPCodecType]bool{}
	if stream != nil {
		for _, t := range stream.Tracks() {
			if t.Kind() == webrtc.RTPCodecTypeVideo && c.constraints.Video != nil {
				if err := t.ApplyConstraints(*c.constraints.Video); err != nil {
					c.logger.Warn().Err(err).Msg("video constraints not applied, using track defaults")
				}
			}
			if err := pc.AddTrack(t.Local()); err != nil {
				c.logger.Warn().Err(err).Str("kind", t.Kind().String()).Msg("add track failed")
				continue
			}
			have[t.Kind()] = true
			c.attached = append(c.attached, t.Kind())
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if err := pc.AddReceiver(kind); err != nil {
			c.logger.Warn().Err(err).Str("kind", kind.String()).Msg("add receiver failed")
		}
	}
	c.logger.Info().Int("tracks", len(c.attached)).Msg("local media attached")
	return len(c.attached)
}

// Attached lists the kinds of the local tracks that were attached.
func (c *Coordinator) Attached() []webrtc.RTPCodecType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.RTPCodecType(nil), c.attached...)
}

// Close closes the peer connection and releases captured media. Safe to call
// more than once and before Connect.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if c.pc != nil {
		err = c.pc.Close()
	}
	if c.stream != nil {
		c.stream.Release()
	}
	return err
}
