package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the slice of *webrtc.PeerConnection the agent drives.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote connectivity candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddTrack attaches a local track.
	AddTrack(webrtc.TrackLocal) error
	// AddReceiver asks to receive kind without sending it.
	AddReceiver(kind webrtc.RTPCodecType) error

	OnNegotiationNeeded(func())
	// OnICECandidate sets a callback for newly gathered local candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// PeerFactory creates the one peer connection of a session.
type PeerFactory func() (PeerConnection, error)

// VideoConstraints are applied best-effort to captured video.
type VideoConstraints struct {
	Width        int
	Height       int
	MaxFrameRate float64
	AspectRatio  float64
	FacingMode   string
	ResizeMode   string
	BitrateBps   int
}

type Constraints struct {
	Audio bool
	Video *VideoConstraints
}

// LocalTrack is one captured track.
type LocalTrack interface {
	Kind() webrtc.RTPCodecType
	Local() webrtc.TrackLocal
	// ApplyConstraints may fail for a single track; callers log and continue.
	ApplyConstraints(VideoConstraints) error
	Stop()
}

// MediaStream is owned by the capturer and shared read-only with the
// coordinator until Release.
type MediaStream interface {
	Tracks() []LocalTrack
	// Release stops every track. Safe to call more than once.
	Release()
}

type Capturer interface {
	// Acquire may return a partial stream together with a *domain.DeviceError
	// for the kinds that could not be captured.
	Acquire(ctx context.Context, c Constraints) (MediaStream, error)
}

// Presenter receives remote media. It is external to negotiation.
type Presenter interface {
	OnRemoteTrack(ctx context.Context, track *webrtc.TrackRemote)
}
