package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.limiter.Forget(sid)
		ctl.Orch.Leave(sid)
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, c *WsSignalConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad frame")
		ctl.sendError(c, "bad_payload", err.Error())
		return
	}

	switch env.Event {
	case protocol.EventStart:
		ctl.handleStart(sid, c, env)
		return
	case protocol.EventSDPSend:
		ctl.handleDescription(sid, c, env)
	case protocol.EventICESend:
		ctl.handleCandidate(sid, c, env)
	case protocol.EventSendMessage:
		ctl.handleMessage(sid, c, env)
	default:
		log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown signal")
		ctl.sendError(c, "unknown_event", env.Event)
	}
	if env.Ack != 0 {
		ctl.send(c, protocol.EventAck, env.Ack)
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, event string, ack uint64, args ...any) {
	b, err := protocol.Encode(event, ack, args...)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send encode")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code, msg string) {
	ctl.send(c, protocol.EventError, 0, protocol.ErrorPayload{Code: code, Message: msg})
}
