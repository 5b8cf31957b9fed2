package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/transports"
)

// ErrClosed is returned by Send once the connection is closing.
var ErrClosed = errors.New("websocket: connection closed")

// conn is the outbound half of one client socket. The session enqueues
// envelopes and a single writer goroutine owns every write to the socket.
type conn struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger
	obs    metrics.Observer
	sess   transports.Session

	out    chan protocol.Envelope
	closed chan struct{}
	done   chan struct{}

	closeOnce   sync.Once
	mu          sync.Mutex
	closeCode   int
	closeReason string
}

func newConn(id string, ws *websocket.Conn, cfg Config, logger *slog.Logger, obs metrics.Observer) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		cfg:    cfg,
		logger: logger,
		obs:    obs,
		out:    make(chan protocol.Envelope, cfg.SendBuffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Send queues env for the writer. It blocks while the queue is full, which
// backpressures the session loop instead of dropping ordered output.
func (c *conn) Send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is called by the session when it can no longer continue. The writer
// flushes what is queued and ends the socket with an error close code.
func (c *conn) Close(reason string) error {
	c.closeWith(websocket.CloseInternalServerErr, reason)
	return nil
}

func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *conn) closeFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.FormatCloseMessage(c.closeCode, truncateReason(c.closeReason))
}

func (c *conn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case env := <-c.out:
			if err := c.write(env); err != nil {
				c.logger.Info("ws_write_failed", "error", err)
				c.closeWith(websocket.CloseAbnormalClosure, "write_failed")
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.logger.Info("ws_ping_failed", "error", err)
				c.closeWith(websocket.CloseAbnormalClosure, "ping_failed")
				return
			}
		case <-c.closed:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage, c.closeFrame(), time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

// flush writes whatever the session queued before closing, so a fatal
// error envelope reaches the client ahead of the close frame.
func (c *conn) flush() {
	for {
		select {
		case env := <-c.out:
			if err := c.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(env protocol.Envelope) error {
	if env.Type.TurnScoped() && c.sess != nil && c.sess.TurnCancelled(env.TurnID) {
		metrics.Record(c.obs, metrics.EventStaleDropped, 1, map[string]string{metrics.TagSession: c.sess.ID()})
		return nil
	}
	data, err := protocol.Encode(env)
	if err != nil {
		c.logger.Warn("ws_encode_failed", "type", env.Type, "error", err)
		return nil
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close frame payloads are capped at 125 bytes including the 2 byte code.
func truncateReason(r string) string {
	if len(r) > 123 {
		return r[:123]
	}
	return r
}
