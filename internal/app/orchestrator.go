package app

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotInRoom      = errors.New("not in a room")
)

// Orchestrator pairs waiting clients into rooms and routes frames between
// the two members of a room. It never looks inside forwarded payloads.
type Orchestrator struct {
	Registry *Registry
	Rooms    core.RoomManager
	Policy   Policy

	// mu serializes pairing and leaving.
	mu      sync.Mutex
	waiting core.SessionID
}

// Start assigns sid a role and pairs it when another client is waiting.
// ack is called with the role before any pairing notification is sent. A
// repeated start for the same session acknowledges the role it already has.
func (o *Orchestrator) Start(sid core.SessionID, ack func(domain.Role)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrUnknownSession
	}
	meta := sess.Meta()
	if meta.Role != domain.RoleUnassigned {
		ack(meta.Role)
		return nil
	}

	partnerSID := o.waiting
	partner, ok := o.Registry.GetSession(partnerSID)
	if partnerSID == "" || !ok {
		meta.Role = domain.RoleInitiator
		o.waiting = sid
		ack(meta.Role)
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Msg("waiting for partner")
		return nil
	}
	o.waiting = ""
	meta.Role = domain.RoleResponder
	ack(meta.Role)

	room := o.Rooms.CreateRoom()
	if err := room.AddMember(partnerSID, partner); err != nil {
		return err
	}
	if err := room.AddMember(sid, sess); err != nil {
		return err
	}
	o.Registry.SetRoom(partnerSID, room.ID())
	o.Registry.SetRoom(sid, room.ID())

	o.notify(room, partner, protocol.EventRoomID, string(room.ID()))
	o.notify(room, partner, protocol.EventRemoteSocket, string(sid))
	o.notify(room, sess, protocol.EventRoomID, string(room.ID()))
	o.notify(room, sess, protocol.EventRemoteSocket, string(partnerSID))
	log.Info().
		Str("module", "app.orch").
		Str("room", string(room.ID())).
		Str("initiator", string(partnerSID)).
		Str("responder", string(sid)).
		Msg("paired")
	return nil
}

// Forward delivers an encoded frame for event to the partner of sid.
func (o *Orchestrator) Forward(sid core.SessionID, event string, data core.Frame) error {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return ErrNotInRoom
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return ErrNotInRoom
	}
	res := room.Forward(sid, data)
	o.onDropped(room, event, res.Dropped)
	return nil
}

// Partner returns the session id of sid's partner.
func (o *Orchestrator) Partner(sid core.SessionID) (core.SessionID, bool) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return "", false
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return "", false
	}
	partner, _, ok := room.Partner(sid)
	return partner, ok
}

func (o *Orchestrator) onDropped(room core.RoomService, event string, dropped []core.MemberSession) {
	if o.Policy == nil {
		return
	}
	for _, slow := range dropped {
		switch o.Policy.OnBackPressure(room, slow, event) {
		case KickMember:
			o.KickBySID(core.SessionID(slow.Meta().ID))
		case MarkSlow, DropFrame, NoAction:
			log.Debug().Str("module", "app.orch").Str("sid", string(slow.Meta().ID)).Str("event", event).Msg("frame dropped")
		}
	}
}

func (o *Orchestrator) notify(room core.RoomService, to core.MemberSession, event string, args ...any) {
	frame, err := protocol.Encode(event, 0, args...)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("event", event).Msg("encode")
		return
	}
	sig := to.Signal()
	if sig == nil {
		return
	}
	if err := sig.TrySend(frame); err != nil {
		o.onDropped(room, event, []core.MemberSession{to})
	}
}

// Leave removes sid from the lobby or its room. The partner is told the
// session ended and its room association is cleared.
func (o *Orchestrator) Leave(sid core.SessionID) {
	o.mu.Lock()
	if o.waiting == sid {
		o.waiting = ""
	}
	roomID, _, ok := o.Registry.RoomOf(sid)
	var partner core.MemberSession
	var partnerSID core.SessionID
	var room core.RoomService
	if ok {
		room, ok = o.Rooms.GetRoom(roomID)
	}
	if ok {
		partnerSID, partner, _ = room.Partner(sid)
		room.RemoveMember(sid)
		if partner != nil {
			room.RemoveMember(partnerSID)
			o.Registry.ClearRoom(partnerSID)
		}
		o.Rooms.StopRoom(roomID)
	}
	o.Registry.ClearRoom(sid)
	o.Registry.Unbind(sid)
	o.mu.Unlock()

	if partner != nil {
		if frame, err := protocol.Encode(protocol.EventDisconnected, 0); err == nil && partner.Signal() != nil {
			_ = partner.Signal().TrySend(frame)
		}
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("partner", string(partnerSID)).Msg("partner notified of disconnect")
	}
	o.BroadcastOnline()
}

// KickBySID closes the client's connection; Leave follows from its reader.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	log.Warn().Str("module", "app.orch").Str("sid", string(sid)).Msg("kick")
	o.Registry.Cancel(sid)
}

// BroadcastOnline sends the connected client count to every client.
func (o *Orchestrator) BroadcastOnline() {
	snaps := o.Registry.All()
	frame, err := protocol.Encode(protocol.EventOnlineUsers, 0, len(snaps))
	if err != nil {
		return
	}
	for _, snap := range snaps {
		sig := snap.Session.Signal()
		if sig == nil {
			continue
		}
		if err := sig.TrySend(frame); err != nil {
			log.Debug().Str("module", "app.orch").Str("sid", string(snap.SID)).Msg("online-users dropped")
		}
	}
}

type Stats struct {
	Online int             `json:"online"`
	Rooms  []core.RoomInfo `json:"rooms"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{Online: o.Registry.Count(), Rooms: o.Rooms.List()}
}
