package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicebank/pkg/bargein"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/playback"
	"github.com/harunnryd/voicebank/pkg/protocol"
)

// writeLoop owns every write to the socket.
func (c *Client) writeLoop() {
	defer close(c.writeDone)
	var triggers <-chan uint64
	if c.monitor != nil {
		triggers = c.monitor.Triggers()
	}
	for {
		select {
		case <-c.closed:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		case env := <-c.control:
			if !c.writeEnvelope(env) {
				return
			}
		case turnID := <-triggers:
			metrics.Record(c.obs, metrics.EventBargeIn, 1, map[string]string{
				metrics.TagSession: c.sessionID,
				metrics.TagSource:  string(bargein.SourceClient),
			})
			c.logger.Info("barge_in_sent", "turn_id", turnID)
			if !c.writeEnvelope(protocol.StopPlayback()) {
				return
			}
		case buf := <-c.audio:
			ok := c.write(websocket.BinaryMessage, buf)
			protocol.ReleaseAudioBuf(buf)
			if !ok {
				return
			}
		}
	}
}

func (c *Client) writeEnvelope(env protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		c.logger.Warn("client_encode_failed", "type", env.Type, "error", err)
		return true
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(mt int, data []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(mt, data); err != nil {
		c.logger.Warn("client_write_failed", "error", err)
		c.stop()
		_ = c.ws.Close()
		return false
	}
	return true
}

func (c *Client) readLoop() {
	defer func() {
		c.stop()
		<-c.writeDone
		_ = c.ws.Close()
		c.queue.Halt()
		c.runCancel()
		close(c.readDone)
	}()
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.err = c.readError(err)
			if c.err != nil {
				c.logger.Info("client_disconnected", "error", c.err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("client_envelope_dropped", "error", err)
			continue
		}
		c.handle(env)
	}
}

func (c *Client) readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	select {
	case <-c.closed:
		return nil
	default:
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %d %s", ErrClosed, ce.Code, ce.Text)
	}
	return err
}

// handle applies one server envelope. Audio of any turn older than the
// newest one the server announced is rejected by the queue.
func (c *Client) handle(env protocol.Envelope) {
	c.observeTurn(env.TurnID)
	switch env.Type {
	case protocol.TypeStateChanged:
		c.state.Store(env.State)
		if c.events.OnState != nil {
			c.events.OnState(env.State, env.TurnID)
		}
	case protocol.TypeSTTInterim:
		c.userSpoke()
		if c.events.OnTranscript != nil {
			c.events.OnTranscript(env.Transcript, false, 0)
		}
	case protocol.TypeSTTFinal:
		c.userSpoke()
		if c.events.OnTranscript != nil {
			c.events.OnTranscript(env.Transcript, true, env.TurnID)
		}
	case protocol.TypeLLMChunk:
		if c.events.OnText != nil {
			c.events.OnText(env.TurnID, env.Chunk)
		}
	case protocol.TypeLLMEnd:
		if c.events.OnTextEnd != nil {
			c.events.OnTextEnd(env.TurnID)
		}
	case protocol.TypeTTSAudioChunk:
		pcm, err := env.Audio()
		if err != nil {
			c.logger.Warn("client_audio_dropped", "turn_id", env.TurnID, "error", err)
			return
		}
		if err := c.queue.Enqueue(env.TurnID, pcm); errors.Is(err, playback.ErrStaleTurn) {
			metrics.Record(c.obs, metrics.EventStaleDropped, 1, map[string]string{metrics.TagSession: c.sessionID})
			c.logger.Debug("stale_segment_dropped", "turn_id", env.TurnID)
		}
	case protocol.TypeTTSStreamEnd:
		c.queue.End(env.TurnID)
	case protocol.TypeError:
		if env.TurnID != 0 {
			c.queue.Cancel(env.TurnID)
		}
		if env.Fatal {
			c.queue.Halt()
		}
		if c.events.OnError != nil {
			c.events.OnError(env.Message, env.TurnID, env.Fatal)
		}
	}
}

// observeTurn retires every turn older than the newest turn id the server
// mentioned, whatever envelope carried it. Turn ids only grow.
func (c *Client) observeTurn(turnID uint64) {
	if turnID <= c.lastTurn {
		return
	}
	c.lastTurn = turnID
	if turnID > 1 {
		c.queue.Cancel(turnID - 1)
	}
}

// userSpoke halts playback when a transcript arrives while audio is playing:
// the user is talking over it.
func (c *Client) userSpoke() {
	if c.queue.Playing() {
		halted := c.queue.Halt()
		c.logger.Debug("playback_halted_by_transcript", "turn_id", halted)
	}
}
