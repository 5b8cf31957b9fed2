// Package elevenlabs synthesizes turn responses over the ElevenLabs
// stream-input websocket.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicebank/pkg/adapters/tts"
	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/logging"
	"github.com/harunnryd/voicebank/pkg/resilience"
)

const defaultEndpoint = "wss://api.elevenlabs.io/v1/text-to-speech"

type Config struct {
	APIKey       string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Endpoint     string
	Stability    float64
	Similarity   float64
	DialTimeout  time.Duration
}

// ElevenLabsTTS opens one websocket per Synthesize call, so cancelling a
// turn is closing its socket.
type ElevenLabsTTS struct {
	cfg     Config
	dialer  websocket.Dialer
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

func New(cfg Config, breaker *resilience.CircuitBreaker, logger *slog.Logger) *ElevenLabsTTS {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.Similarity == 0 {
		cfg.Similarity = 0.8
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &ElevenLabsTTS{
		cfg:     cfg,
		dialer:  websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: cfg.DialTimeout},
		breaker: breaker,
		logger:  logging.NewComponentLogger(logger, "elevenlabs_tts"),
	}
}

func (s *ElevenLabsTTS) Name() string { return "elevenlabs" }

func (s *ElevenLabsTTS) Synthesize(ctx context.Context, text string) (<-chan tts.Segment, error) {
	if s.cfg.APIKey == "" || s.cfg.VoiceID == "" {
		return nil, errors.New("missing elevenlabs config")
	}
	if !s.breaker.Allow() {
		return nil, errorsx.Wrap(resilience.ErrCircuitOpen, errorsx.ReasonTTSCircuitOpen)
	}
	conn, resp, err := s.dialer.DialContext(ctx, s.buildURL(), http.Header{
		"xi-api-key": []string{s.cfg.APIKey},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			err = resilience.RateLimitError{Provider: "elevenlabs", Message: resp.Status, RetryAfter: resilience.RetryAfter(resp.Header)}
			s.breaker.OnError(err)
			return nil, errorsx.Wrap(err, errorsx.ReasonTTSRateLimit)
		}
		return nil, errorsx.Errorf(errorsx.ReasonTTSConnect, "dial elevenlabs: %w", err)
	}
	s.breaker.OnSuccess()

	messages := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        s.cfg.Stability,
				"similarity_boost": s.cfg.Similarity,
			},
			"generation_config": map[string]any{
				"chunk_length_schedule": []int{120, 160, 250, 290},
			},
		},
		{"text": strings.TrimSpace(text) + " ", "try_trigger_generation": true},
		// An empty text ends the input stream.
		{"text": ""},
	}
	for _, m := range messages {
		if err := conn.WriteJSON(m); err != nil {
			_ = conn.Close()
			return nil, errorsx.Errorf(errorsx.ReasonTTSSynthesize, "write elevenlabs: %w", err)
		}
	}

	out := make(chan tts.Segment)
	go s.readLoop(ctx, conn, out)
	return out, nil
}

type streamMessage struct {
	Audio   *string `json:"audio"`
	IsFinal *bool   `json:"isFinal"`
	Message string  `json:"message"`
	Error   string  `json:"error"`
}

func (s *ElevenLabsTTS) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- tts.Segment) {
	defer close(out)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			s.deliver(ctx, out, tts.Segment{Err: fmt.Errorf("read elevenlabs: %w", err)})
			return
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("elevenlabs_unparsed_message", slog.Int("bytes", len(data)))
			continue
		}
		if msg.Error != "" {
			s.deliver(ctx, out, tts.Segment{Err: fmt.Errorf("elevenlabs: %s %s", msg.Error, msg.Message)})
			return
		}
		if msg.Audio != nil && *msg.Audio != "" {
			raw, err := base64.StdEncoding.DecodeString(*msg.Audio)
			if err != nil {
				s.deliver(ctx, out, tts.Segment{Err: fmt.Errorf("decode elevenlabs audio: %w", err)})
				return
			}
			if !s.deliver(ctx, out, tts.Segment{Audio: raw}) {
				return
			}
		}
		if msg.IsFinal != nil && *msg.IsFinal {
			return
		}
	}
}

func (s *ElevenLabsTTS) deliver(ctx context.Context, out chan<- tts.Segment, seg tts.Segment) bool {
	select {
	case out <- seg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *ElevenLabsTTS) buildURL() string {
	q := url.Values{}
	if s.cfg.ModelID != "" {
		q.Set("model_id", s.cfg.ModelID)
	}
	q.Set("output_format", s.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", "4")
	return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + url.PathEscape(s.cfg.VoiceID) + "/stream-input?" + q.Encode()
}

var _ tts.Synthesizer = (*ElevenLabsTTS)(nil)
