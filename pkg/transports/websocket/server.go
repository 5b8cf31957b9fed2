// Package websocket carries the session protocol over a browser or app
// websocket: JSON text frames for envelopes, binary frames for microphone
// audio.
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/logging"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/transports"
)

type Config struct {
	AllowAnyOrigin  bool
	AllowedOrigins  []string
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	// FramesPerSecond caps inbound binary frames per connection; zero disables the limit.
	FramesPerSecond float64
	Burst           int
	Format          protocol.AudioFormat
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.FramesPerSecond > 0 && c.Burst <= 0 {
		c.Burst = int(c.FramesPerSecond)
	}
	if c.Format.SampleRate == 0 {
		c.Format = protocol.Linear16
	}
	return c
}

// pongWait is how long a silent peer is tolerated.
func (c Config) pongWait() time.Duration {
	return c.PingInterval*2 + c.WriteTimeout
}

// Server upgrades requests and runs one session per socket.
type Server struct {
	cfg        Config
	upgrader   websocket.Upgrader
	newSession transports.SessionFactory
	logger     *slog.Logger
	obs        metrics.Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	draining atomic.Bool
	active   atomic.Int64
}

func NewServer(cfg Config, factory transports.SessionFactory, logger *slog.Logger, obs metrics.Observer) *Server {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     transports.OriginChecker(cfg.AllowAnyOrigin, cfg.AllowedOrigins),
		},
		newSession: factory,
		logger:     logging.NewComponentLogger(logger, "ws_transport"),
		obs:        obs,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Server) Name() string { return "websocket" }

// Active reports the number of connected sockets.
func (s *Server) Active() int { return int(s.active.Load()) }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws_upgrade_failed", "error", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	id := uuid.NewString()
	logger := s.logger.With("conn_id", id, "remote_addr", r.RemoteAddr)
	c := newConn(id, ws, s.cfg, logger, s.obs)

	sess, err := s.newSession(c, transports.Options{Format: s.cfg.Format})
	if err != nil {
		logger.Error("ws_session_create_failed", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		_ = ws.Close()
		return
	}
	c.sess = sess
	logger = logger.With("session_id", sess.ID())
	c.logger = logger

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	go c.writeLoop()
	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()
	go func() {
		// Unblocks the reader when the session ends on its own.
		<-sess.Done()
		c.closeWith(websocket.CloseGoingAway, "session ended")
	}()

	s.readLoop(c, sess, logger)

	cancel()
	err = <-runErr
	c.closeWith(websocket.CloseNormalClosure, "")
	<-c.done
	if err != nil {
		logger.Info("ws_session_ended", "error", err, "reason_code", string(errorsx.Reason(err)), "error_class", string(errorsx.ClassOf(err)))
		return
	}
	logger.Debug("ws_session_ended")
}

func (s *Server) readLoop(c *conn, sess transports.Session, logger *slog.Logger) {
	ws := c.ws
	ws.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.pongWait()))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.pongWait()))
	})

	var limiter *rate.Limiter
	if s.cfg.FramesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.FramesPerSecond), s.cfg.Burst)
	}
	var dropped int

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				logger.Debug("ws_read_ended", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.pongWait()))

		var ok bool
		switch mt {
		case websocket.TextMessage:
			ok = sess.HandleText(data)
		case websocket.BinaryMessage:
			if limiter != nil && !limiter.Allow() {
				dropped++
				metrics.Record(s.obs, metrics.EventFramesDropped, 1, map[string]string{
					metrics.TagSession: sess.ID(),
					metrics.TagReason:  string(errorsx.ReasonProtocolRateLimit),
				})
				if dropped == 1 || dropped%100 == 0 {
					logger.Warn("ws_audio_rate_limited", "dropped", dropped)
				}
				continue
			}
			ok = sess.HandleAudio(data)
		default:
			continue
		}
		if !ok {
			return
		}
	}
}

// Shutdown stops accepting sockets, ends every live session and waits for
// them until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
