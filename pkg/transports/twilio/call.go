package twilio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicebank/pkg/capture"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/transports"
)

var errCallEnded = errors.New("twilio: call ended")

const writeTimeout = 5 * time.Second

type outbound struct {
	turnID uint64
	data   []byte
}

// call is the session.Conn of one media stream. Telephone callers only
// hear the assistant, so text envelopes stay on the server.
type call struct {
	t         *Transport
	ws        *websocket.Conn
	callSID   string
	streamSID string
	sess      transports.Session
	logger    *slog.Logger
	cancel    context.CancelFunc

	out      chan outbound
	closed   chan struct{}
	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	endOnce  sync.Once

	// Transcoding state, touched only from the session loop.
	resampler *capture.Resampler
	audioTurn uint64
	ints      []int16
	floats    []float32
	resampled []float32
}

func newCall(t *Transport, ws *websocket.Conn, start *Start, logger *slog.Logger) *call {
	c := &call{
		t:         t,
		ws:        ws,
		callSID:   start.CallSID,
		streamSID: start.StreamSID,
		logger:    logger,
		cancel:    func() {},
		out:       make(chan outbound, t.cfg.SendBuffer),
		closed:    make(chan struct{}),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	if t.cfg.TTSEncoding != protocol.Mulaw8k.Encoding || t.cfg.TTSSampleRate != protocol.Mulaw8k.SampleRate {
		c.resampler = capture.NewResampler(t.cfg.TTSSampleRate, protocol.Mulaw8k.SampleRate)
	}
	return c
}

// Send maps session envelopes onto Media Streams messages.
func (c *call) Send(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeTTSAudioChunk:
		pcm, err := env.Audio()
		if err != nil {
			return nil
		}
		return c.enqueue(ctx, env.TurnID, map[string]any{
			"event":     "media",
			"streamSid": c.streamSID,
			"media":     map[string]any{"payload": base64.StdEncoding.EncodeToString(c.transcode(env.TurnID, pcm))},
		})
	case protocol.TypeTTSStreamEnd:
		return c.enqueue(ctx, env.TurnID, map[string]any{
			"event":     "mark",
			"streamSid": c.streamSID,
			"mark":      map[string]any{"name": "turn-" + strconv.FormatUint(env.TurnID, 10)},
		})
	case protocol.TypeError:
		c.logger.Info("twilio_session_error", "message", env.Message, "fatal", env.Fatal, "turn_id", env.TurnID)
	case protocol.TypeSTTFinal:
		c.logger.Debug("twilio_transcript", "turn_id", env.TurnID)
	}
	select {
	case <-c.closed:
		return errCallEnded
	default:
		return nil
	}
}

// Close ends the media stream; the session has given up on the call.
func (c *call) Close(reason string) error {
	c.logger.Info("twilio_session_closed", "reason", reason)
	c.t.hangup(c.callSID)
	c.stop()
	return nil
}

// Interrupt drops audio Twilio already buffered for the cancelled turn.
func (c *call) Interrupt(turnID uint64) {
	err := c.enqueue(context.Background(), 0, map[string]any{
		"event":     "clear",
		"streamSid": c.streamSID,
	})
	if err == nil {
		c.logger.Debug("twilio_clear_sent", "turn_id", turnID)
	}
}

func (c *call) transcode(turnID uint64, pcm []byte) []byte {
	if c.resampler == nil {
		return pcm
	}
	if turnID != c.audioTurn {
		c.resampler.Reset()
		c.audioTurn = turnID
	}
	c.ints = capture.PCM16(c.ints, pcm)
	c.floats = capture.Normalize(c.floats, c.ints)
	c.resampled = c.resampler.Process(c.resampled[:0], c.floats)
	c.ints = capture.Quantize(c.ints, c.resampled)
	return capture.EncodeMulaw(nil, c.ints)
}

func (c *call) enqueue(ctx context.Context, turnID uint64, msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- outbound{turnID: turnID, data: b}:
		return nil
	case <-c.closed:
		return errCallEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *call) stop() {
	c.stopOnce.Do(func() { close(c.closed) })
}

func (c *call) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()
	for {
		select {
		case m := <-c.out:
			if !c.write(m) {
				c.stop()
				return
			}
		case <-c.closed:
			for {
				select {
				case m := <-c.out:
					if !c.write(m) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *call) write(m outbound) bool {
	if m.turnID != 0 && c.sess != nil && c.sess.TurnCancelled(m.turnID) {
		metrics.Record(c.t.obs, metrics.EventStaleDropped, 1, map[string]string{metrics.TagSession: c.sess.ID()})
		return true
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, m.data); err != nil {
		c.logger.Info("twilio_write_failed", "error", err)
		return false
	}
	return true
}
