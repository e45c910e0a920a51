package core

import (
	"errors"
	"sync"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/rs/zerolog/log"
)

const RoomCapacity = 2

var ErrRoomFull = errors.New("room full")

// roomImpl is a threadsafe in-memory pair room.
// It never closes adapter-owned resources.
type roomImpl struct {
	id    domain.RoomID
	mu    sync.RWMutex
	order []SessionID
	bySID map[SessionID]MemberSession
}

func NewRoomService(id domain.RoomID) RoomService {
	return &roomImpl{
		id:    id,
		bySID: make(map[SessionID]MemberSession, RoomCapacity),
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) Members() []SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionID, len(r.order))
	copy(out, r.order)
	return out
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; ok {
		return nil
	}
	if len(r.bySID) >= RoomCapacity {
		return ErrRoomFull
	}
	r.bySID[sid] = ms
	r.order = append(r.order, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("sid", string(sid)).Msg("member added")
	return nil
}

func (r *roomImpl) RemoveMember(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySID[sid]; !ok {
		return
	}
	delete(r.bySID, sid)
	for i, s := range r.order {
		if s == sid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("sid", string(sid)).Msg("member removed")
}

func (r *roomImpl) Partner(sid SessionID) (SessionID, MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.bySID[sid]; !ok {
		return "", nil, false
	}
	for other, ms := range r.bySID {
		if other != sid {
			return other, ms, true
		}
	}
	return "", nil, false
}

func (r *roomImpl) Forward(from SessionID, data Frame) PublishResult {
	res := PublishResult{}
	_, partner, ok := r.Partner(from)
	if !ok {
		return res
	}
	sig := partner.Signal()
	if sig == nil {
		res.Dropped = append(res.Dropped, partner)
		return res
	}
	if err := sig.TrySend(data); err != nil {
		res.Dropped = append(res.Dropped, partner)
	} else {
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("forward result")
	return res
}
