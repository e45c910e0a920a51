package core

import (
	"github.com/dkeye/Duet/internal/domain"
)

// PublishResult reports delivery stats/backpressure to the controller.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is a two-member room.
// It owns the membership but never touches transport resources.
type RoomService interface {
	ID() domain.RoomID
	MemberCount() int
	Members() []SessionID

	AddMember(sid SessionID, ms MemberSession) error
	RemoveMember(sid SessionID)
	// Partner returns the other member of sid's room.
	Partner(sid SessionID) (SessionID, MemberSession, bool)
	// Forward sends data to the partner of from.
	Forward(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"client_count"`
}

type RoomManager interface {
	CreateRoom() RoomService
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
