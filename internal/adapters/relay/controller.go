package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/app"
	"github.com/dkeye/Duet/internal/core"
	"github.com/dkeye/Duet/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	SendQueue    int
	ChatLimit    int
	ChatInterval time.Duration
}

type SignalWSController struct {
	Orch    *app.Orchestrator
	opts    Options
	limiter *ChatRateLimiter
}

func NewSignalWSController(orch *app.Orchestrator, opts Options) *SignalWSController {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 32
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	return &SignalWSController{
		Orch:    orch,
		opts:    opts,
		limiter: NewChatRateLimiter(opts.ChatLimit, opts.ChatInterval),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and runs the client's pumps. Every
// connection is its own session, even when a browser reuses its token.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", c.GetString("client_token")).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.opts.ReadLimit > 0 {
		ws.SetReadLimit(ctl.opts.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendQueue),
	}

	meta := domain.NewMember(domain.PeerID(sid))
	sess := core.NewMemberSession(meta).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.Bind(sid, sess, cancel)
	ctl.Orch.BroadcastOnline()

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
