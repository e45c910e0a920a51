// Package signal is the agent's WebSocket link to the relay.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

type Options struct {
	DialTimeout time.Duration
	SendQueue   int
	Header      http.Header
}

// Channel implements core.SignalChannel over one WebSocket connection.
type Channel struct {
	conn   *websocket.Conn
	send   chan core.Frame
	logger zerolog.Logger

	nextAck atomic.Uint64

	mu       sync.Mutex
	handlers map[string][]core.Handler
	pending  map[uint64]chan []json.RawMessage
	closed   bool
	local    bool

	done     chan struct{}
	doneOnce sync.Once
	discOnce sync.Once
}

var _ core.SignalChannel = (*Channel)(nil)

// Dial connects to the relay at url. Failure is a *domain.ChannelError.
func Dial(ctx context.Context, url string, opts Options) (*Channel, error) {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 32
	}
	if opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.DialTimeout)
		defer cancel()
	}
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, &domain.ChannelError{Op: "dial", Err: err}
	}
	c := &Channel{
		conn:     conn,
		send:     make(chan core.Frame, opts.SendQueue),
		logger:   log.With().Str("module", "agent.signal").Str("relay", url).Logger(),
		handlers: make(map[string][]core.Handler),
		pending:  make(map[uint64]chan []json.RawMessage),
		done:     make(chan struct{}),
	}
	c.logger.Info().Msg("connected")
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Channel) Send(event string, args ...any) error {
	return c.enqueue(event, 0, args...)
}

func (c *Channel) enqueue(event string, ack uint64, args ...any) error {
	frame, err := protocol.Encode(event, ack, args...)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &domain.ChannelError{Op: event, Err: domain.ErrChannelClosed}
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return &domain.ChannelError{Op: event, Err: ErrBackpressure}
	}
}

// Request sends event with an acknowledgement id and waits for the reply.
func (c *Channel) Request(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	id := c.nextAck.Add(1)
	reply := make(chan []json.RawMessage, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.enqueue(event, id, args...); err != nil {
		return nil, err
	}
	select {
	case args := <-reply:
		return args, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, &domain.ChannelError{Op: event, Err: domain.ErrChannelClosed}
	}
}

// On registers h for event. Handlers run on the reader goroutine in
// arrival order.
func (c *Channel) On(event string, h core.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// Close shuts the connection without firing "disconnected".
func (c *Channel) Close() error {
	c.mu.Lock()
	c.local = true
	c.closed = true
	c.mu.Unlock()
	return c.shutdown()
}

func (c *Channel) shutdown() error {
	var err error
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = c.conn.Close()
		c.logger.Info().Msg("closed")
	})
	return err
}

func (c *Channel) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				c.drop(err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				c.drop(err)
				return
			}
		}
	}
}

func (c *Channel) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			local := c.local
			c.mu.Unlock()
			if !local {
				c.logger.Warn().Err(err).Msg("readPump read error")
			}
			c.drop(err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame")
			continue
		}
		switch env.Event {
		case protocol.EventAck:
			c.resolve(env)
		case protocol.EventDisconnected:
			c.disconnected(nil)
			return
		default:
			c.dispatch(env.Event, env.Args)
		}
	}
}

func (c *Channel) resolve(env protocol.Envelope) {
	c.mu.Lock()
	reply, ok := c.pending[env.Ack]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug().Uint64("ack", env.Ack).Msg("late acknowledgement")
		return
	}
	select {
	case reply <- env.Args:
	default:
	}
}

func (c *Channel) dispatch(event string, args []json.RawMessage) {
	c.mu.Lock()
	hs := append([]core.Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		c.logger.Debug().Str("event", event).Msg("no handler")
		return
	}
	for _, h := range hs {
		h(args)
	}
}

// drop handles a transport failure.
func (c *Channel) drop(cause error) {
	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local {
		return
	}
	c.disconnected(cause)
}

// disconnected fires the "disconnected" handlers once. Later sends fail.
// A relay-sent "disconnected" has no arguments. A lost transport passes one
// ErrorPayload with code protocol.CodeTransportLost.
func (c *Channel) disconnected(cause error) {
	c.discOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		local := c.local
		c.mu.Unlock()
		if !local {
			var args []json.RawMessage
			if cause != nil {
				raw, err := json.Marshal(protocol.ErrorPayload{Code: protocol.CodeTransportLost, Message: cause.Error()})
				if err == nil {
					args = []json.RawMessage{raw}
				}
			}
			c.dispatch(protocol.EventDisconnected, args)
		}
		_ = c.shutdown()
	})
}
