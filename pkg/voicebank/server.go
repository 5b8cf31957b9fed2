package voicebank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
	"github.com/harunnryd/voicebank/pkg/adapters/tts"
	"github.com/harunnryd/voicebank/pkg/configutil"
	"github.com/harunnryd/voicebank/pkg/dialogue"
	"github.com/harunnryd/voicebank/pkg/logging"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/redact"
	"github.com/harunnryd/voicebank/pkg/runner"
	"github.com/harunnryd/voicebank/pkg/session"
	"github.com/harunnryd/voicebank/pkg/transports"
	twiliotransport "github.com/harunnryd/voicebank/pkg/transports/twilio"
	wstransport "github.com/harunnryd/voicebank/pkg/transports/websocket"
)

// Server hosts voice sessions over the websocket channel and, when enabled,
// the Twilio telephone channel.
type Server struct {
	cfg    Config
	base   *slog.Logger
	logger *slog.Logger
	obs    metrics.Observer
	async  *metrics.AsyncObserver

	stt    stt.Factory
	engine dialogue.Engine
	synth  tts.Synthesizer
	voice  tts.Config

	mux    *http.ServeMux
	ws     *wstransport.Server
	twilio *twiliotransport.Transport
	http   *http.Server
	runner *runner.LifecycleRunner

	mu sync.Mutex
	ln net.Listener
}

// NewServer builds providers from reg and mounts every route. Session
// events go to Prometheus when enabled and to every extra observer. Nothing
// listens until Start.
func NewServer(cfg Config, reg *ProviderRegistry, logger *slog.Logger, observers ...metrics.Observer) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = DefaultProviders()
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)

	s := &Server{
		cfg:    cfg,
		base:   logger,
		logger: logging.NewComponentLogger(logger, "voicebank"),
		mux:    http.NewServeMux(),
	}
	s.logger.Info("voicebank_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"twilio", cfg.Transports.Twilio.Enabled,
	)

	var sinks metrics.Multi
	if cfg.Metrics.Enabled {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		sinks = append(sinks, metrics.NewPrometheusObserver(cfg.Metrics.Namespace, promReg))
		s.mux.Handle(cfg.Server.MetricsPath, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	}
	sinks = append(sinks, observers...)
	s.obs = metrics.NoopObserver{}
	if len(sinks) > 0 {
		s.async = metrics.NewAsyncObserver(sinks, 2048)
		s.obs = s.async
	}

	var err error
	if s.stt, err = reg.BuildSTT(cfg, logger); err != nil {
		return nil, err
	}
	if s.synth, s.voice, err = reg.BuildTTS(cfg, logger); err != nil {
		return nil, err
	}
	if s.engine, err = reg.BuildEngine(cfg, logger); err != nil {
		return nil, err
	}

	format, err := cfg.Audio.Format()
	if err != nil {
		return nil, err
	}
	s.ws = wstransport.NewServer(wstransport.Config{
		AllowAnyOrigin:  cfg.Server.AllowAnyOrigin,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		SendBuffer:      cfg.Session.SendBuffer,
		WriteTimeout:    ms(cfg.Session.WriteTimeoutMS),
		PingInterval:    ms(cfg.Session.PingIntervalMS),
		MaxMessageBytes: cfg.Limits.MaxMessageBytes,
		FramesPerSecond: cfg.Limits.AudioFramesPerSecond,
		Burst:           cfg.Limits.AudioBurst,
		Format:          format,
	}, s.newSession, logger, s.obs)
	s.mux.Handle(cfg.Server.WSPath, s.ws)

	if cfg.Transports.Twilio.Enabled {
		if s.twilio, err = s.buildTwilio(logger); err != nil {
			return nil, err
		}
		s.twilio.Register(s.mux)
	}
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.runner = runner.NewLifecycleRunner(runner.DrainerFunc(s.drain), runner.Hooks{
		OnStart: s.onStart,
		OnStop:  s.onStop,
	}, ms(cfg.Server.ShutdownTimeoutMS))
	s.runner.Title = "VOICEBANK"
	s.runner.Banner = os.Stdout
	return s, nil
}

// newSession is the SessionFactory shared by both channels.
func (s *Server) newSession(conn session.Conn, opts transports.Options) (transports.Session, error) {
	return session.New(session.Config{
		IdleTimeout:  ms(s.cfg.Session.IdleTimeoutMS),
		EventBuffer:  s.cfg.Session.EventBuffer,
		MaxHistory:   s.cfg.Session.MaxHistory,
		ApologyText:  s.cfg.Session.ApologyText,
		FatalText:    s.cfg.Session.FatalText,
		Format:       opts.Format,
		AutoActivate: opts.AutoActivate,
	}, session.Deps{
		STT:          s.stt,
		STTQueueSize: s.cfg.Session.STTQueueSize,
		Engine:       s.engine,
		TTS:          s.synth,
		Logger:       s.base,
		Observer:     s.obs,
	}, conn)
}

var twilioSchema = configutil.Schema{
	Required: []string{"auth_token"},
	Optional: []string{"account_sid", "public_url", "server_addr", "voice_path", "ws_path", "status_callback_path",
		"voice_greeting", "allow_any_origin", "allowed_origins", "hangup_on_fatal", "send_buffer"},
}

func (s *Server) buildTwilio(logger *slog.Logger) (*twiliotransport.Transport, error) {
	settings := s.cfg.Transports.Twilio.Settings
	if err := twilioSchema.Validate("transports.twilio.settings", settings); err != nil {
		return nil, err
	}
	var tcfg twiliotransport.Config
	if err := configutil.DecodeSettings(settings, &tcfg); err != nil {
		return nil, err
	}
	if err := configutil.RequireString(tcfg.AuthToken, "transports.twilio.settings.auth_token"); err != nil {
		return nil, err
	}
	if tcfg.HangupOnFatal {
		if err := configutil.RequireString(tcfg.AccountSID, "transports.twilio.settings.account_sid"); err != nil {
			return nil, err
		}
	}
	if s.voice.Encoding == protocol.Mulaw8k.Encoding && s.voice.SampleRate != protocol.Mulaw8k.SampleRate {
		return nil, fmt.Errorf("twilio needs μ-law at 8000 Hz or linear PCM, tts emits μ-law at %d Hz", s.voice.SampleRate)
	}
	tcfg.TTSEncoding = s.voice.Encoding
	tcfg.TTSSampleRate = s.voice.SampleRate
	if tcfg.SendBuffer == 0 {
		tcfg.SendBuffer = s.cfg.Session.SendBuffer
	}
	return twiliotransport.New(tcfg, s.newSession, logger, s.obs), nil
}

// Handler is the HTTP surface, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start listens on server.addr and runs until ctx ends or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http_serve_failed", "error", err)
		}
	}()
	go func() { _ = s.runner.Run(ctx) }()
	return nil
}

// Addr is the bound listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop drains live sessions and closes the listener.
func (s *Server) Stop() error {
	return s.runner.Stop()
}

func (s *Server) drain(ctx context.Context) error {
	var errs []error
	if err := s.ws.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("websocket: %w", err))
	}
	if s.twilio != nil {
		if err := s.twilio.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("twilio: %w", err))
		}
	}
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) onStart() {
	fields := []any{"addr", s.Addr(), "ws_path", s.cfg.Server.WSPath}
	if s.twilio != nil {
		var rr transports.ReadyReporter = s.twilio
		for k, v := range rr.ReadyFields() {
			fields = append(fields, k, v)
		}
	}
	s.logger.Info("server_ready", fields...)
}

func (s *Server) onStop() {
	if s.async != nil {
		s.async.Close()
	}
	s.logger.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", s.ws.Active())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":          "ok",
		"active_sessions": s.ws.Active(),
		"stt":             strings.ToLower(s.cfg.Vendors.STT.Provider),
		"tts":             s.synth.Name(),
		"llm":             s.engine.Name(),
	})
}
