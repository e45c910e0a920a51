package core

import "github.com/dkeye/Duet/internal/domain"

type SessionID string

// MemberSession binds domain.Member and its transport endpoint.
// This is what a pair room stores and forwards to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}
