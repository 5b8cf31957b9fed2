// Package voicebank assembles the voice banking server: configuration,
// provider wiring and the HTTP surface that hosts sessions.
package voicebank

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/voicebank/pkg/protocol"
)

type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Session     SessionConfig    `mapstructure:"session"`
	Limits      LimitsConfig     `mapstructure:"limits"`
	Audio       AudioConfig      `mapstructure:"audio"`
	Vendors     VendorsConfig    `mapstructure:"vendors"`
	Transports  TransportsConfig `mapstructure:"transports"`
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	LogFormat   string           `mapstructure:"log_format"`
	BasePrompt  string           `mapstructure:"base_prompt"`
	Privacy     PrivacyConfig    `mapstructure:"privacy"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
}

type ServerConfig struct {
	Addr              string   `mapstructure:"addr"`
	WSPath            string   `mapstructure:"ws_path"`
	MetricsPath       string   `mapstructure:"metrics_path"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
	AllowAnyOrigin    bool     `mapstructure:"allow_any_origin"`
	ShutdownTimeoutMS int      `mapstructure:"shutdown_timeout_ms"`
}

type SessionConfig struct {
	IdleTimeoutMS  int    `mapstructure:"idle_timeout_ms"`
	EventBuffer    int    `mapstructure:"event_buffer"`
	SendBuffer     int    `mapstructure:"send_buffer"`
	STTQueueSize   int    `mapstructure:"stt_queue_size"`
	MaxHistory     int    `mapstructure:"max_history"`
	ApologyText    string `mapstructure:"apology_text"`
	FatalText      string `mapstructure:"fatal_text"`
	WriteTimeoutMS int    `mapstructure:"write_timeout_ms"`
	PingIntervalMS int    `mapstructure:"ping_interval_ms"`
}

type LimitsConfig struct {
	AudioFramesPerSecond float64 `mapstructure:"audio_frames_per_second"`
	AudioBurst           int     `mapstructure:"audio_burst"`
	MaxMessageBytes      int64   `mapstructure:"max_message_bytes"`
}

// AudioConfig is the inbound microphone contract of the websocket channel.
type AudioConfig struct {
	Encoding   string `mapstructure:"encoding"`
	SampleRate int    `mapstructure:"sample_rate"`
	FrameMS    int    `mapstructure:"frame_ms"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TwilioConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Settings map[string]any `mapstructure:"settings"`
}

type TransportsConfig struct {
	Twilio TwilioConfig `mapstructure:"twilio"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.metrics_path", "/metrics")
	v.SetDefault("server.allow_any_origin", false)
	v.SetDefault("server.shutdown_timeout_ms", 10000)
	v.SetDefault("session.idle_timeout_ms", 30000)
	v.SetDefault("session.event_buffer", 256)
	v.SetDefault("session.send_buffer", 256)
	v.SetDefault("session.stt_queue_size", 100)
	v.SetDefault("session.max_history", 20)
	v.SetDefault("session.apology_text", "죄송합니다. 잠시 문제가 생겼어요. 다시 말씀해 주시겠어요?")
	v.SetDefault("session.fatal_text", "연결에 문제가 생겨 상담을 종료합니다. 다시 접속해 주세요.")
	v.SetDefault("session.write_timeout_ms", 5000)
	v.SetDefault("session.ping_interval_ms", 20000)
	v.SetDefault("limits.audio_frames_per_second", 100)
	v.SetDefault("limits.audio_burst", 50)
	v.SetDefault("limits.max_message_bytes", 1<<20)
	v.SetDefault("audio.encoding", "linear16")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.frame_ms", 20)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "voicebank")
}

// LoadConfig reads a YAML file, applies defaults and VOICEBANK_* overrides,
// expands ${ENV} references and validates the result.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VOICEBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /, got %q", c.Server.WSPath)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		return fmt.Errorf("server.metrics_path must start with / when metrics are enabled, got %q", c.Server.MetricsPath)
	}
	positive := map[string]int{
		"session.idle_timeout_ms":  c.Session.IdleTimeoutMS,
		"session.event_buffer":     c.Session.EventBuffer,
		"session.send_buffer":      c.Session.SendBuffer,
		"session.write_timeout_ms": c.Session.WriteTimeoutMS,
		"session.ping_interval_ms": c.Session.PingIntervalMS,
		"audio.sample_rate":        c.Audio.SampleRate,
		"audio.frame_ms":           c.Audio.FrameMS,
	}
	for key, val := range positive {
		if val <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, val)
		}
	}
	if c.Limits.AudioFramesPerSecond < 0 || c.Limits.AudioBurst < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if time.Duration(c.Audio.FrameMS)*time.Millisecond > protocol.MaxFrameDuration {
		return fmt.Errorf("audio.frame_ms must not exceed %s", protocol.MaxFrameDuration)
	}
	if _, err := c.Audio.Format(); err != nil {
		return err
	}
	return nil
}

// Format is the protocol audio contract the websocket channel enforces.
func (a AudioConfig) Format() (protocol.AudioFormat, error) {
	switch strings.ToLower(strings.TrimSpace(a.Encoding)) {
	case "linear16", "pcm16", "":
		f := protocol.Linear16
		if a.SampleRate > 0 {
			f.SampleRate = a.SampleRate
		}
		return f, nil
	case "mulaw", "ulaw":
		f := protocol.Mulaw8k
		if a.SampleRate > 0 {
			f.SampleRate = a.SampleRate
		}
		return f, nil
	default:
		return protocol.AudioFormat{}, fmt.Errorf("audio.encoding must be one of [linear16, mulaw], got %s", a.Encoding)
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Twilio.Settings = expandSettings(cfg.Transports.Twilio.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = expandAny(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if ks, ok := k.(string); ok {
				out[ks] = expandAny(item)
			}
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			expandValue(v.Elem())
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
