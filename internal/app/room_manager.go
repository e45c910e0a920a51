package app

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomID]core.RoomService)}
}

// CreateRoom opens a room under a fresh opaque id.
func (f *RoomManagerImpl) CreateRoom() core.RoomService {
	room := core.NewRoomService(domain.RoomID(uuid.NewString()))
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID()] = room
	return room
}

func (f *RoomManagerImpl) GetRoom(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		out = append(out, core.RoomInfo{ID: id, MemberCount: r.MemberCount()})
	}
	return out
}

func (f *RoomManagerImpl) StopRoom(id domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
}
