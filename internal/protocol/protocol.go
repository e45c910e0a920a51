// Package protocol defines the relay wire format shared by agents and the relay.
//
// Every WebSocket text frame carries one Envelope. Arguments are positional
// JSON values, mirroring the event-emitter style the browser client uses.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

const (
	EventStart        = "start"
	EventAck          = "ack"
	EventRemoteSocket = "remote-socket"
	EventRoomID       = "roomid"
	EventSDPSend      = "sdp:send"
	EventSDPReply     = "sdp:reply"
	EventICESend      = "ice:send"
	EventICEReply     = "ice:reply"
	EventSendMessage  = "send-message"
	EventGetMessage   = "get-message"
	EventOnlineUsers  = "online-users"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

var (
	ErrMissingEvent = errors.New("protocol: missing event")
	ErrMissingArg   = errors.New("protocol: missing argument")
)

// Envelope is one frame on the wire. Ack is non-zero for requests that
// expect an acknowledgement and for the acknowledgement itself.
type Envelope struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args,omitempty"`
	Ack   uint64            `json:"ack,omitempty"`
}

// Encode builds a frame for event with positional args.
func Encode(event string, ack uint64, args ...any) ([]byte, error) {
	env := Envelope{Event: event, Ack: ack}
	for i, a := range args {
		raw, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode %s arg %d: %w", event, i, err)
		}
		env.Args = append(env.Args, raw)
	}
	return json.Marshal(env)
}

// Decode parses a frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Arg unmarshals the i-th argument into v.
func (e Envelope) Arg(i int, v any) error {
	return Arg(e.Args, i, v)
}

// Arg unmarshals args[i] into v.
func Arg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) {
		return fmt.Errorf("%w %d", ErrMissingArg, i)
	}
	if err := json.Unmarshal(args[i], v); err != nil {
		return fmt.Errorf("protocol: arg %d: %w", i, err)
	}
	return nil
}

// SDP is the JSON form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errors.New("empty sdp")
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the JSON form of a connectivity candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// DescriptionPayload is the argument of sdp:send and sdp:reply.
type DescriptionPayload struct {
	SDP  *SDP   `json:"sdp"`
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`
}

// CandidatePayload is the argument of ice:send and ice:reply.
type CandidatePayload struct {
	Candidate *Candidate `json:"candidate"`
	To        string     `json:"to,omitempty"`
	From      string     `json:"from,omitempty"`
}

// CodeTransportLost marks a "disconnected" raised by the agent's own channel
// when the connection to the relay dropped.
const CodeTransportLost = "transport_lost"

// ErrorPayload is sent by the relay when it rejects a frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
