// Package twilio bridges Twilio Media Streams onto the session protocol:
// a phone call is a voice-activated session with μ-law 8 kHz audio.
package twilio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/voicebank/pkg/errorsx"
	"github.com/harunnryd/voicebank/pkg/logging"
	"github.com/harunnryd/voicebank/pkg/metrics"
	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AuthToken          string   `mapstructure:"auth_token"`
	AccountSID         string   `mapstructure:"account_sid"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	// HangupOnFatal ends the call over REST when the session fails.
	HangupOnFatal bool `mapstructure:"hangup_on_fatal"`
	// TTSEncoding and TTSSampleRate describe what the synthesizer emits.
	// Anything other than μ-law 8 kHz is transcoded before it is sent.
	TTSEncoding   string `mapstructure:"tts_encoding"`
	TTSSampleRate int    `mapstructure:"tts_sample_rate"`
	SendBuffer    int    `mapstructure:"send_buffer"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/twilio/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/twilio/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/twilio/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.TTSEncoding == "" {
		c.TTSEncoding = protocol.Mulaw8k.Encoding
	}
	if c.TTSSampleRate <= 0 {
		c.TTSSampleRate = protocol.Mulaw8k.SampleRate
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

// Transport serves the voice webhook, the status callback and the media
// stream socket.
type Transport struct {
	cfg        Config
	upgrader   websocket.Upgrader
	newSession transports.SessionFactory
	logger     *slog.Logger
	obs        metrics.Observer

	updateClient callUpdater

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	calls       map[string]*call
	callStreams map[string]string

	draining atomic.Bool
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

func New(cfg Config, factory transports.SessionFactory, logger *slog.Logger, obs metrics.Observer) *Transport {
	cfg = cfg.withDefaults()
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     transports.OriginChecker(cfg.AllowAnyOrigin, cfg.AllowedOrigins),
		},
		newSession:  factory,
		logger:      logging.NewComponentLogger(logger, "twilio_transport"),
		obs:         obs,
		ctx:         ctx,
		cancel:      cancel,
		calls:       make(map[string]*call),
		callStreams: make(map[string]string),
	}
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.publicURL("https", t.cfg.VoicePath),
		"status_callback_url": t.publicURL("https", t.cfg.StatusCallbackPath),
	}
}

// Register mounts the Twilio routes on mux.
func (t *Transport) Register(mux *http.ServeMux) {
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.Handle(t.cfg.WebsocketPath, t)
}

// Shutdown ends every call's session and waits for the media sockets.
func (t *Transport) Shutdown(ctx context.Context) error {
	t.draining.Store(true)
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP runs one media stream. The session starts at the "start" event
// and ends at "stop" or when the socket drops.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	t.wg.Add(1)
	defer t.wg.Done()
	defer ws.Close()

	var c *call
	defer func() {
		if c != nil {
			t.endCall(c, "transport_closed")
		}
	}()
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var evt Event
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || c != nil {
				continue
			}
			c, err = t.startCall(ws, evt.Start)
			if err != nil {
				t.logger.Error("twilio_session_create_failed", "error", err, "call_sid", evt.Start.CallSID)
				return
			}
		case "media":
			if c == nil || evt.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil || len(payload) == 0 {
				continue
			}
			if !c.sess.HandleAudio(payload) {
				return
			}
		case "dtmf":
			if c == nil || evt.DTMF == nil {
				continue
			}
			env, ok := dtmfCommand(evt.DTMF.Digit)
			if !ok {
				continue
			}
			c.logger.Info("twilio_dtmf", "digit", evt.DTMF.Digit, "type", string(env.Type))
			if !c.sess.HandleEnvelope(env) {
				return
			}
		case "mark":
			if c != nil && evt.Mark != nil {
				c.logger.Debug("twilio_mark_played", "mark", evt.Mark.Name)
			}
		case "stop":
			if c != nil {
				reason := "completed"
				if evt.Stop != nil {
					if r := normalizeCallEndReason(evt.Stop.Reason); r != "" {
						reason = r
					}
				}
				t.endCall(c, reason)
				c = nil
			}
			return
		}
	}
}

func (t *Transport) startCall(ws *websocket.Conn, start *Start) (*call, error) {
	logger := t.logger.With("call_sid", start.CallSID, "stream_sid", start.StreamSID)
	c := newCall(t, ws, start, logger)
	sess, err := t.newSession(c, transports.Options{Format: protocol.Mulaw8k, AutoActivate: true})
	if err != nil {
		return nil, err
	}
	c.sess = sess
	c.logger = logger.With("session_id", sess.ID())

	ctx, cancel := context.WithCancel(t.ctx)
	c.cancel = cancel
	go c.writeLoop()
	go func() {
		defer close(c.finished)
		if err := sess.Run(ctx); err != nil {
			c.logger.Info("twilio_session_failed", "error", err, "reason_code", string(errorsx.Reason(err)), "error_class", string(errorsx.ClassOf(err)))
		}
		// A session that ends on its own ends the stream.
		c.stop()
	}()

	if old := t.attach(c); old != nil {
		old.logger.Info("twilio_stream_replaced")
		t.endCall(old, "reconnected")
	}
	c.logger.Info("twilio_call_started", "from", start.From)
	return c, nil
}

func (t *Transport) endCall(c *call, reason string) {
	c.endOnce.Do(func() {
		t.detach(c)
		c.cancel()
		<-c.finished
		c.stop()
		<-c.done
		c.logger.Info("twilio_call_ended", "reason", reason)
	})
}

func (t *Transport) attach(c *call) *call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var old *call
	if c.callSID != "" {
		if existing := t.callStreams[c.callSID]; existing != "" && existing != c.streamSID {
			old = t.calls[existing]
			delete(t.calls, existing)
		}
		t.callStreams[c.callSID] = c.streamSID
	}
	t.calls[c.streamSID] = c
	return old
}

func (t *Transport) detach(c *call) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls[c.streamSID] == c {
		delete(t.calls, c.streamSID)
	}
	if c.callSID != "" && t.callStreams[c.callSID] == c.streamSID {
		delete(t.callStreams, c.callSID)
	}
}

func (t *Transport) callForSID(callSID string) *call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[t.callStreams[callSID]]
}

// hangup completes the call over REST. It is best-effort.
func (t *Transport) hangup(callSID string) {
	if !t.cfg.HangupOnFatal || callSID == "" {
		return
	}
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" {
		return
	}
	updater := t.updateClient
	if updater == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: t.cfg.AccountSID,
			Password: t.cfg.AuthToken,
		})
		updater = rest.Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := updater.UpdateCall(callSID, params); err != nil {
		t.logger.Warn("twilio_hangup_failed", "call_sid", callSID, "error", err)
	}
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	stream := `<Connect><Stream url="` + xmlEscape(t.websocketURL(r)) + `"/></Connect>`
	twiml := `<Response>` + stream + `</Response>`
	if greeting := strings.TrimSpace(t.cfg.VoiceGreeting); greeting != "" {
		twiml = `<Response><Say language="ko-KR">` + xmlEscape(greeting) + `</Say>` + stream + `</Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateTwilioRequest(r) {
		t.logger.Warn("twilio_status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	reason := normalizeCallEndReason(r.FormValue("CallStatus"))
	if reason != "" && callSID != "" {
		if c := t.callForSID(callSID); c != nil {
			go t.endCall(c, reason)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) publicURL(scheme, path string) string {
	if t.cfg.PublicURL != "" {
		return scheme + "://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) validateTwilioRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizeCallEndReason(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "queued", "ringing", "in-progress", "inprogress":
		return ""
	case "completed", "call_ended", "call-ended", "completed_by_user", "hangup":
		return "completed"
	case "busy":
		return "busy"
	case "no_answer", "noanswer", "no-answer":
		return "no_answer"
	case "failed", "error", "canceled", "cancelled", "transport_closed":
		return "failed"
	default:
		return "unknown"
	}
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

type Start struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`
	From      string `json:"from"`
}

type Media struct {
	Payload string `json:"payload"`
}

type Mark struct {
	Name string `json:"name"`
}

type Stop struct {
	Reason string `json:"reason"`
}

type DTMF struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// dtmfCommand maps a caller's keypress to a session command: star cuts
// the assistant off, pound starts the conversation over.
func dtmfCommand(digit string) (protocol.Envelope, bool) {
	switch digit {
	case "*":
		return protocol.StopPlayback(), true
	case "#":
		return protocol.Reset(), true
	default:
		return protocol.Envelope{}, false
	}
}

// Event is one inbound Media Streams message.
type Event struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	Start     *Start `json:"start,omitempty"`
	Media     *Media `json:"media,omitempty"`
	Mark      *Mark  `json:"mark,omitempty"`
	Stop      *Stop  `json:"stop,omitempty"`
	DTMF      *DTMF  `json:"dtmf,omitempty"`
}
