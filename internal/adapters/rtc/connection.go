package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
)

// Settings are fixed for the lifetime of a session.
type Settings struct {
	ICEServers    []string
	BundlePolicy  string
	RTCPMuxPolicy string
}

func DefaultSettings() Settings {
	return Settings{
		ICEServers: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		},
		BundlePolicy:  "max-bundle",
		RTCPMuxPolicy: "require",
	}
}

// Configuration converts s into a pion configuration.
func (s Settings) Configuration() (webrtc.Configuration, error) {
	cfg := webrtc.Configuration{}
	for _, u := range s.ICEServers {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: []string{u}})
	}
	switch s.BundlePolicy {
	case "", "max-bundle":
		cfg.BundlePolicy = webrtc.BundlePolicyMaxBundle
	case "balanced":
		cfg.BundlePolicy = webrtc.BundlePolicyBalanced
	case "max-compat":
		cfg.BundlePolicy = webrtc.BundlePolicyMaxCompat
	default:
		return cfg, fmt.Errorf("unknown bundle policy %q", s.BundlePolicy)
	}
	switch s.RTCPMuxPolicy {
	case "", "require":
		cfg.RTCPMuxPolicy = webrtc.RTCPMuxPolicyRequire
	case "negotiate":
		cfg.RTCPMuxPolicy = webrtc.RTCPMuxPolicyNegotiate
	default:
		return cfg, fmt.Errorf("unknown rtcp mux policy %q", s.RTCPMuxPolicy)
	}
	return cfg, nil
}

// NewAPI builds a pion API whose internal logs go to zerolog. tune may
// adjust the setting engine further.
func NewAPI(tune ...func(*webrtc.SettingEngine)) *webrtc.API {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(log.Logger)
	for _, fn := range tune {
		fn(&se)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// NewFactory returns a core.PeerFactory bound to api and s.
func NewFactory(api *webrtc.API, s Settings, label string) core.PeerFactory {
	return func() (core.PeerConnection, error) {
		cfg, err := s.Configuration()
		if err != nil {
			return nil, err
		}
		return NewWebRTCConnection(api, cfg, label)
	}
}

// WebRTCConnection implements core.PeerConnection over pion.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	logger zerolog.Logger
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, label string) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:     pc,
		logger: log.With().Str("module", "webrtc").Str("sid", label).Logger(),
	}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
	})
	return c, nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *WebRTCConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddTrack attaches a local track and drains its RTCP so interceptors run.
func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *WebRTCConnection) AddReceiver(kind webrtc.RTPCodecType) error {
	_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (c *WebRTCConnection) OnNegotiationNeeded(fn func()) {
	c.pc.OnNegotiationNeeded(fn)
}

// OnICECandidate skips the end-of-gathering nil candidate.
func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *WebRTCConnection) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		fn(track, receiver)
	})
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		fn(s)
	})
}

func (c *WebRTCConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

// LocalDescription returns the current local SDP.
func (c *WebRTCConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}
