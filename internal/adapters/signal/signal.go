// Package signal terminates the websocket signaling channel and maps its
// request/response messages onto the orchestrator.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfugate/internal/app"
	"github.com/dkeye/sfugate/internal/app/orch"
	"github.com/dkeye/sfugate/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit    int64
	PingPeriod   time.Duration
	PongWait     time.Duration
	SendQueue    int
	JoinLimit    int
	JoinInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 32768
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.JoinLimit <= 0 {
		o.JoinLimit = 10
	}
	if o.JoinInterval <= 0 {
		o.JoinInterval = time.Minute
	}
	return o
}

type SignalWSController struct {
	Orch   *orch.Orchestrator
	Policy app.Policy

	opts     Options
	joins    *RoomRateLimiter
	validate *validator.Validate
	handlers map[string]handlerFunc

	wg sync.WaitGroup
}

func NewSignalWSController(o *orch.Orchestrator, policy app.Policy, opts Options) *SignalWSController {
	opts = opts.withDefaults()
	ctl := &SignalWSController{
		Orch:     o,
		Policy:   policy,
		opts:     opts,
		joins:    NewRoomRateLimiter(opts.JoinLimit, opts.JoinInterval),
		validate: newValidator(),
	}
	ctl.handlers = map[string]handlerFunc{
		"joinRoom":             ctl.handleJoinRoom,
		"createTransport":      ctl.handleCreateTransport,
		"connectTransport":     ctl.handleConnectTransport,
		"connectRecvTransport": ctl.handleConnectRecvTransport,
		"produce":              ctl.handleProduce,
		"consume":              ctl.handleConsume,
		"resumeConsumer":       ctl.handleResumeConsumer,
		"ping":                 ctl.handlePing,
	}
	return ctl
}

type WsSignalConn struct {
	sid    core.SessionID
	client string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f []byte) error {
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

// HandleSignal upgrades the request and serves the connection until either
// side closes it or ctx is done. Every connection is its own session.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	client := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		sid:    core.SessionID(uuid.NewString()),
		client: client,
		conn:   ws,
		send:   make(chan []byte, ctl.opts.SendQueue),
	}
	log.Info().Str("module", "signal").Str("sid", string(conn.sid)).Str("client", client).Msg("new WS connection")

	ctx, cancel := context.WithCancel(ctx)
	ctl.wg.Add(2)
	go func() {
		defer ctl.wg.Done()
		ctl.writePump(ctx, conn)
	}()
	go func() {
		defer ctl.wg.Done()
		defer cancel()
		ctl.readPump(ctx, conn)
	}()
}

// Wait blocks until every connection served by ctl has finished.
func (ctl *SignalWSController) Wait() {
	ctl.wg.Wait()
}
