package relay

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

func (ctl *SignalWSController) handleStart(
	sid core.SessionID,
	conn *WsSignalConn,
	env protocol.Envelope,
) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("start")
	err := ctl.Orch.Start(sid, func(role domain.Role) {
		ctl.send(conn, protocol.EventAck, env.Ack, role.Wire())
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("start failed")
		ctl.sendError(conn, "start_failed", err.Error())
	}
}

// handleDescription relays an offer or answer to the partner, stamped with
// the sender's id. The description itself is not inspected.
func (ctl *SignalWSController) handleDescription(
	sid core.SessionID,
	conn *WsSignalConn,
	env protocol.Envelope,
) {
	var p protocol.DescriptionPayload
	if err := env.Arg(0, &p); err != nil || p.SDP == nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad sdp payload")
		ctl.sendError(conn, "bad_payload", protocol.EventSDPSend)
		return
	}
	p.From, p.To = string(sid), ""
	ctl.forward(sid, conn, protocol.EventSDPReply, p)
}

func (ctl *SignalWSController) handleCandidate(
	sid core.SessionID,
	conn *WsSignalConn,
	env protocol.Envelope,
) {
	var p protocol.CandidatePayload
	if err := env.Arg(0, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad ice payload")
		ctl.sendError(conn, "bad_payload", protocol.EventICESend)
		return
	}
	p.From, p.To = string(sid), ""
	ctl.forward(sid, conn, protocol.EventICEReply, p)
}

func (ctl *SignalWSController) handleMessage(
	sid core.SessionID,
	conn *WsSignalConn,
	env protocol.Envelope,
) {
	var text, role string
	if err := env.Arg(0, &text); err != nil {
		ctl.sendError(conn, "bad_payload", protocol.EventSendMessage)
		return
	}
	_ = env.Arg(1, &role)
	if !ctl.limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("chat rate limited")
		ctl.sendError(conn, "rate_limited", protocol.EventSendMessage)
		return
	}
	ctl.forward(sid, conn, protocol.EventGetMessage, text, role)
}

func (ctl *SignalWSController) forward(sid core.SessionID, conn *WsSignalConn, event string, args ...any) {
	frame, err := protocol.Encode(event, 0, args...)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", event).Msg("encode")
		return
	}
	if err := ctl.Orch.Forward(sid, event, frame); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Str("event", event).Msg("forward")
		ctl.sendError(conn, "not_paired", event)
	}
}
