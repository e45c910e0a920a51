package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoDevice         = errors.New("no capture device")
	ErrPermissionDenied = errors.New("capture permission denied")
	ErrChannelClosed    = errors.New("signaling channel closed")
	ErrTransportLost    = errors.New("signaling transport lost")
	ErrNoTracks         = errors.New("no local tracks could be attached")
)

// DeviceError reports that a media kind could not be captured.
// The session continues without that kind.
type DeviceError struct {
	Kind string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ChannelError is a transport failure. Fatal to the session.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// NegotiationError is a malformed or unexpected description or candidate.
// The offending step is skipped.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// SessionError means no usable media or connection is possible. Fatal.
type SessionError struct {
	Reason string
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return "session: " + e.Reason
	}
	return fmt.Sprintf("session %s: %v", e.Reason, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsFatal reports whether err must tear the session down.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ChannelError
	var se *SessionError
	return errors.As(err, &ce) || errors.As(err, &se)
}
