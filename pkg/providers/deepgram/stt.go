// Package deepgram streams session audio to Deepgram live transcription.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
	"github.com/harunnryd/voicebank/pkg/logging"
	"github.com/harunnryd/voicebank/pkg/resilience"
)

type Params struct {
	UtteranceEndMS int
	ConnectRetries int
	ConnectBackoff time.Duration
	// StallTimeout bounds how long SendAudio waits for the SDK to take a
	// frame before the stream is reported stalled.
	StallTimeout time.Duration
}

var ErrStalled = errors.New("deepgram: upstream stopped reading audio")

const sendBuffer = 64

type Config struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	Encoding   string
	Interim    bool
	VADEvents  bool
	SessionID  string
	Params     Params
}

// NewFactory returns a factory building one Deepgram stream per recognition
// window, with the session's audio contract applied over base.
func NewFactory(base Config, logger *slog.Logger) stt.Factory {
	return func(cfg stt.Config) (stt.StreamingSTT, error) {
		if base.APIKey == "" {
			return nil, errors.New("deepgram: api key is required")
		}
		c := base
		c.SessionID = cfg.SessionID
		if cfg.SampleRate > 0 {
			c.SampleRate = cfg.SampleRate
		}
		if cfg.Encoding != "" {
			c.Encoding = cfg.Encoding
		}
		if cfg.Language != "" {
			c.Language = cfg.Language
		}
		return New(c, logger), nil
	}
}

// StreamingSTT is a single-use Deepgram live stream. Deepgram reports
// is_final per segment; segments are accumulated and surfaced as one final
// transcript at speech_final or utterance end.
type StreamingSTT struct {
	cfg      Config
	dgClient *client.WSCallback
	retry    resilience.RetryPolicy
	logger   *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	frames     chan []byte
	pumpDone   chan struct{}
	pumpErr    error

	mu         sync.Mutex
	out        chan stt.Result
	closed     bool
	segments   []string
	metaLogged bool
}

func New(cfg Config, logger *slog.Logger) *StreamingSTT {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "ko"
	}
	if cfg.Params.StallTimeout <= 0 {
		cfg.Params.StallTimeout = 2 * time.Second
	}
	return &StreamingSTT{
		cfg:    cfg,
		out:    make(chan stt.Result, 64),
		retry:  resilience.NewRetryPolicy(cfg.Params.ConnectRetries, cfg.Params.ConnectBackoff),
		logger: logging.NewComponentLogger(logger, "deepgram_stt").With("session_id", cfg.SessionID),
	}
}

func (s *StreamingSTT) Name() string { return "deepgram" }

func (s *StreamingSTT) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.openPipe(ctx)

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:          s.cfg.Model,
		Language:       s.cfg.Language,
		Encoding:       s.cfg.Encoding,
		SampleRate:     s.cfg.SampleRate,
		InterimResults: s.cfg.Interim,
		VadEvents:      s.cfg.VADEvents,
		SmartFormat:    true,
	}
	if s.cfg.Params.UtteranceEndMS > 0 {
		transcriptOptions.UtteranceEndMs = fmt.Sprintf("%d", s.cfg.Params.UtteranceEndMS)
	}

	s.logger.Info("deepgram_connecting",
		slog.String("model", s.cfg.Model),
		slog.String("language", s.cfg.Language),
		slog.Int("sample_rate", s.cfg.SampleRate))

	err := s.retry.Do(s.ctx, func(ctx context.Context) error {
		dgClient, err := client.NewWSUsingCallback(ctx, s.cfg.APIKey, clientOptions, transcriptOptions, &callback{parent: s})
		if err != nil {
			return err
		}
		if !dgClient.Connect() {
			return errors.New("deepgram connection failed")
		}
		s.dgClient = dgClient
		return nil
	})
	if err != nil {
		s.logger.Error("deepgram_connect_failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("deepgram_connected")

	go func() {
		if err := s.dgClient.Stream(s.pipeReader); err != nil && s.ctx.Err() == nil {
			s.emit(stt.Result{Err: fmt.Errorf("deepgram stream: %w", err)})
		}
	}()
	return nil
}

// Close never waits on the remote end: it stops the pipe and the client and
// closes Results.
func (s *StreamingSTT) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.pipeWriter != nil {
		_ = s.pipeWriter.Close()
	}
	if s.dgClient != nil {
		s.dgClient.Stop()
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	s.mu.Unlock()
	s.logger.Debug("deepgram_closed")
	return nil
}

// openPipe wires the pump that moves frames into the pipe the SDK streams
// from. Close unblocks a pending pipe write.
func (s *StreamingSTT) openPipe(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.pipeReader, s.pipeWriter = io.Pipe()
	s.frames = make(chan []byte, sendBuffer)
	s.pumpDone = make(chan struct{})
	go s.pump()
}

func (s *StreamingSTT) pump() {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case buf := <-s.frames:
			if _, err := s.pipeWriter.Write(buf); err != nil {
				s.pumpErr = err
				return
			}
		}
	}
}

// SendAudio hands a copy of frame to the pump. It gives up after
// StallTimeout, or as soon as the stream is closed.
func (s *StreamingSTT) SendAudio(frame []byte) error {
	if s.pipeWriter == nil {
		return errors.New("deepgram: not started")
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case s.frames <- buf:
		return nil
	default:
	}
	timer := time.NewTimer(s.cfg.Params.StallTimeout)
	defer timer.Stop()
	select {
	case s.frames <- buf:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	case <-s.pumpDone:
		if s.pumpErr != nil {
			return fmt.Errorf("deepgram pipe: %w", s.pumpErr)
		}
		return s.ctx.Err()
	case <-timer.C:
		s.logger.Warn("deepgram_send_stalled", slog.Duration("waited", s.cfg.Params.StallTimeout))
		return ErrStalled
	}
}

func (s *StreamingSTT) Results() <-chan stt.Result { return s.out }

// emit drops results once closed and never blocks the SDK callback.
func (s *StreamingSTT) emit(r stt.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- r:
	default:
		s.logger.Warn("deepgram_results_full")
	}
}

// onTranscript folds one Deepgram message into interim or final results.
func (s *StreamingSTT) onTranscript(text string, isFinal, speechFinal bool, confidence float64) {
	s.mu.Lock()
	if isFinal && text != "" {
		s.segments = append(s.segments, text)
	}
	joined := strings.Join(s.segments, " ")
	if !isFinal && text != "" {
		joined = strings.TrimSpace(joined + " " + text)
	}
	if speechFinal {
		s.segments = nil
	}
	s.mu.Unlock()

	if joined == "" {
		return
	}
	s.emit(stt.Result{Text: joined, IsFinal: speechFinal, Confidence: confidence})
}

func (s *StreamingSTT) onUtteranceEnd() {
	s.mu.Lock()
	joined := strings.Join(s.segments, " ")
	s.segments = nil
	s.mu.Unlock()
	if joined != "" {
		s.emit(stt.Result{Text: joined, IsFinal: true})
	}
}

type callback struct {
	parent *StreamingSTT
}

func (c *callback) Open(or *msginterfaces.OpenResponse) error {
	c.parent.logger.Debug("deepgram_connection_opened")
	return nil
}

func (c *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	c.parent.onTranscript(strings.TrimSpace(alt.Transcript), mr.IsFinal, mr.SpeechFinal, alt.Confidence)
	return nil
}

func (c *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	c.parent.mu.Lock()
	first := !c.parent.metaLogged
	c.parent.metaLogged = true
	c.parent.mu.Unlock()
	if first {
		c.parent.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
	}
	return nil
}

func (c *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	c.parent.logger.Debug("deepgram_speech_started")
	return nil
}

func (c *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	c.parent.onUtteranceEnd()
	return nil
}

func (c *callback) Close(cr *msginterfaces.CloseResponse) error {
	c.parent.logger.Debug("deepgram_connection_closed")
	return nil
}

func (c *callback) Error(er *msginterfaces.ErrorResponse) error {
	c.parent.emit(stt.Result{Err: fmt.Errorf("deepgram %s: %s", er.ErrCode, er.ErrMsg)})
	return nil
}

func (c *callback) UnhandledEvent(byData []byte) error {
	c.parent.logger.Debug("deepgram_unhandled_event", slog.Int("bytes", len(byData)))
	return nil
}

var _ stt.StreamingSTT = (*StreamingSTT)(nil)
