// Package client is the Go runtime for a voice banking client: it dials the
// session server, hands captured frames to a non-blocking send path, plays
// synthesized speech through a playback.Queue and halts playback locally
// when the user talks over it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicebank/pkg/bargein"
	"github.com/harunnryd/voicebank/pkg/logging"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/playback"
	"github.com/harunnryd/voicebank/pkg/protocol"
)

var (
	ErrClosed    = errors.New("client: connection closed")
	ErrHandshake = errors.New("client: unexpected handshake")
)

type Config struct {
	URL    string
	Header http.Header
	// SendQueue is the number of captured frames buffered for the network.
	// A full queue drops the newest frame.
	SendQueue        int
	ControlQueue     int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseGrace       time.Duration
	BargeInCooldown  time.Duration
}

func (c *Config) applyDefaults() {
	if c.SendQueue <= 0 {
		c.SendQueue = 50
	}
	if c.ControlQueue <= 0 {
		c.ControlQueue = 16
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 2 * time.Second
	}
}

// Events are optional callbacks invoked from the read goroutine.
type Events struct {
	OnState        func(state string, turnID uint64)
	OnTranscript   func(text string, final bool, turnID uint64)
	OnText         func(turnID uint64, chunk string)
	OnTextEnd      func(turnID uint64)
	OnPlaybackDone func(turnID uint64)
	OnError        func(message string, turnID uint64, fatal bool)
}

type Client struct {
	cfg       Config
	ws        *websocket.Conn
	sessionID string
	events    Events
	logger    *slog.Logger
	obs       metrics.Observer

	queue   *playback.Queue
	monitor *bargein.Monitor

	audio   chan []byte
	control chan protocol.Envelope

	state   atomic.Value
	dropped atomic.Int64
	// lastTurn is owned by the read goroutine.
	lastTurn uint64

	runCancel context.CancelFunc
	closed    chan struct{}
	writeDone chan struct{}
	readDone  chan struct{}
	stopOnce  sync.Once
	err       error
}

// Dial connects, waits for the session_started handshake and starts the
// reader, writer and playback goroutines. A nil detector disables local
// barge-in.
func Dial(ctx context.Context, cfg Config, out playback.Output, detector bargein.SpeechDetector, events Events, logger *slog.Logger, obs metrics.Observer) (*Client, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	logger = logging.NewComponentLogger(logger, "client")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}
	hello, err := readHandshake(ws, cfg.HandshakeTimeout)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		ws:        ws,
		sessionID: hello.SessionID,
		events:    events,
		logger:    logger.With("session_id", hello.SessionID),
		obs:       obs,
		queue:     playback.NewQueue(out),
		audio:     make(chan []byte, cfg.SendQueue),
		control:   make(chan protocol.Envelope, cfg.ControlQueue),
		closed:    make(chan struct{}),
		writeDone: make(chan struct{}),
		readDone:  make(chan struct{}),
	}
	c.state.Store(hello.State)
	c.queue.OnDrained(func(turnID uint64) {
		if c.events.OnPlaybackDone != nil {
			c.events.OnPlaybackDone(turnID)
		}
	})
	if detector != nil {
		c.monitor = bargein.NewMonitor(detector, c.queue,
			bargein.WithCooldown(cfg.BargeInCooldown),
			bargein.WithLogger(c.logger))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	go c.queue.Run(runCtx)
	go c.writeLoop()
	go c.readLoop()

	c.logger.Info("client_connected", "url", cfg.URL, "state", hello.State)
	return c, nil
}

func readHandshake(ws *websocket.Conn, timeout time.Duration) (protocol.Envelope, error) {
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()
	mt, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("client: read handshake: %w", err)
	}
	if mt != websocket.TextMessage {
		return protocol.Envelope{}, fmt.Errorf("%w: binary frame", ErrHandshake)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("client: decode handshake: %w", err)
	}
	if env.Type != protocol.TypeSessionStarted {
		return protocol.Envelope{}, fmt.Errorf("%w: %s", ErrHandshake, env.Type)
	}
	return env, nil
}

func (c *Client) SessionID() string { return c.sessionID }

// State is the last session state the server reported.
func (c *Client) State() string {
	s, _ := c.state.Load().(string)
	return s
}

// Dropped counts captured frames discarded because the send queue was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Playing reports whether synthesized speech is playing or queued.
func (c *Client) Playing() bool { return c.queue.Playing() }

func (c *Client) Done() <-chan struct{} { return c.readDone }

// Err is the reason the connection ended. It is nil for a normal close and
// only meaningful after Done is closed.
func (c *Client) Err() error {
	<-c.readDone
	return c.err
}

// Capture is the capture callback hook. It feeds local barge-in detection
// and queues the frame without blocking. frame is copied.
func (c *Client) Capture(frame []byte, samples []int16) {
	if c.monitor != nil {
		c.monitor.OnFrame(samples)
	}
	c.SendAudio(frame)
}

// SendAudio queues one encoded frame. It never blocks; it reports false when
// the frame was dropped.
func (c *Client) SendAudio(frame []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	buf := protocol.AcquireAudioBuf(len(frame))
	copy(buf, frame)
	select {
	case c.audio <- buf:
		return true
	default:
		protocol.ReleaseAudioBuf(buf)
		c.dropped.Add(1)
		metrics.Record(c.obs, metrics.EventFramesDropped, 1, map[string]string{
			metrics.TagSession: c.sessionID,
			metrics.TagReason:  "client_queue_full",
		})
		return false
	}
}

func (c *Client) ActivateVoice(ctx context.Context) error {
	return c.send(ctx, protocol.ActivateVoice())
}

func (c *Client) DeactivateVoice(ctx context.Context) error {
	return c.send(ctx, protocol.DeactivateVoice())
}

// SendText submits a typed utterance. Typing over a reply supersedes it, so
// local playback halts before the server confirms the new turn.
func (c *Client) SendText(ctx context.Context, text string) error {
	env := protocol.UserText(text)
	if err := env.Validate(); err != nil {
		return err
	}
	if c.queue.Playing() {
		turnID := c.queue.Halt()
		c.logger.Debug("playback_halted_by_text", "turn_id", turnID)
	}
	return c.send(ctx, env)
}

func (c *Client) Reset(ctx context.Context) error {
	c.queue.Halt()
	return c.send(ctx, protocol.Reset())
}

// StopPlayback halts local playback and hints the server to cancel the turn.
func (c *Client) StopPlayback(ctx context.Context) error {
	turnID := c.queue.Halt()
	c.logger.Debug("playback_stopped", "turn_id", turnID)
	return c.send(ctx, protocol.StopPlayback())
}

func (c *Client) send(ctx context.Context, env protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.control <- env:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a close frame, waits briefly for the server to answer and
// releases the socket.
func (c *Client) Close() error {
	c.stop()
	<-c.writeDone
	select {
	case <-c.readDone:
	case <-time.After(c.cfg.CloseGrace):
		_ = c.ws.Close()
		<-c.readDone
	}
	return nil
}

func (c *Client) stop() {
	c.stopOnce.Do(func() { close(c.closed) })
}
