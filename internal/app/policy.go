package app

import (
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession, event string) BackpressureAction
}

// SimplePolicy drops chat and presence frames and kicks on anything that
// would break negotiation.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room core.RoomService, member core.MemberSession, event string) BackpressureAction {
	switch event {
	case protocol.EventGetMessage, protocol.EventOnlineUsers:
		return DropFrame
	}
	return KickMember
}
