package voicebank

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
	"github.com/harunnryd/voicebank/pkg/adapters/tts"
	"github.com/harunnryd/voicebank/pkg/configutil"
	"github.com/harunnryd/voicebank/pkg/dialogue"
	"github.com/harunnryd/voicebank/pkg/providers/deepgram"
	"github.com/harunnryd/voicebank/pkg/providers/elevenlabs"
	"github.com/harunnryd/voicebank/pkg/providers/mock"
	"github.com/harunnryd/voicebank/pkg/providers/openai"
	"github.com/harunnryd/voicebank/pkg/resilience"
)

type deepgramSettings struct {
	APIKey           string `mapstructure:"api_key"`
	Model            string `mapstructure:"model"`
	Language         string `mapstructure:"language"`
	Interim          *bool  `mapstructure:"interim"`
	VADEvents        *bool  `mapstructure:"vad_events"`
	UtteranceEndMS   *int   `mapstructure:"utterance_end_ms"`
	ConnectRetries   *int   `mapstructure:"connect_retries"`
	ConnectBackoffMS int    `mapstructure:"connect_backoff_ms"`
	StallTimeoutMS   int    `mapstructure:"stall_timeout_ms"`
}

type elevenlabsSettings struct {
	APIKey            string  `mapstructure:"api_key"`
	VoiceID           string  `mapstructure:"voice_id"`
	ModelID           string  `mapstructure:"model_id"`
	OutputFormat      string  `mapstructure:"output_format"`
	Stability         float64 `mapstructure:"stability"`
	Similarity        float64 `mapstructure:"similarity"`
	CircuitThreshold  int     `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int     `mapstructure:"circuit_cooldown_ms"`
}

type openAISettings struct {
	APIKey            string  `mapstructure:"api_key"`
	Model             string  `mapstructure:"model"`
	BaseURL           string  `mapstructure:"base_url"`
	Temperature       float64 `mapstructure:"temperature"`
	UseCircuitBreaker *bool   `mapstructure:"use_circuit_breaker"`
	CircuitThreshold  int     `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int     `mapstructure:"circuit_cooldown_ms"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
}

type mockSTTSettings struct {
	Transcripts        []string `mapstructure:"transcripts"`
	FramesPerUtterance int      `mapstructure:"frames_per_utterance"`
	EmitInterim        *bool    `mapstructure:"emit_interim"`
}

type mockTTSSettings struct {
	SampleRate     int     `mapstructure:"sample_rate"`
	SegmentMS      int     `mapstructure:"segment_ms"`
	PerRuneMS      int     `mapstructure:"per_rune_ms"`
	ToneHz         float64 `mapstructure:"tone_hz"`
	SegmentDelayMS int     `mapstructure:"segment_delay_ms"`
}

type mockLLMSettings struct {
	Answers      map[string]string `mapstructure:"answers"`
	Fallback     string            `mapstructure:"fallback"`
	ChunkDelayMS int               `mapstructure:"chunk_delay_ms"`
}

// DefaultProviders registers every built-in vendor.
func DefaultProviders() *ProviderRegistry {
	reg := NewProviderRegistry()
	registerProviders(reg)
	return reg
}

var (
	deepgramSchema = configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "vad_events", "utterance_end_ms", "connect_retries", "connect_backoff_ms", "stall_timeout_ms"},
	}
	mockSTTSchema = configutil.Schema{
		Optional: []string{"transcripts", "frames_per_utterance", "emit_interim"},
	}
	elevenLabsSchema = configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format", "stability", "similarity", "circuit_threshold", "circuit_cooldown_ms"},
	}
	mockTTSSchema = configutil.Schema{
		Optional: []string{"sample_rate", "segment_ms", "per_rune_ms", "tone_hz", "segment_delay_ms"},
	}
	openAISchema = configutil.Schema{
		Required: []string{"api_key", "model"},
		Optional: []string{"base_url", "temperature", "use_circuit_breaker", "circuit_threshold", "circuit_cooldown_ms", "max_attempts"},
	}
	mockEngineSchema = configutil.Schema{
		Optional: []string{"answers", "fallback", "chunk_delay_ms"},
	}
)

func registerProviders(reg *ProviderRegistry) {
	reg.RegisterSTT("deepgram", func(cfg Config, logger *slog.Logger) (stt.Factory, error) {
		if err := deepgramSchema.Validate("vendors.stt.settings", cfg.Vendors.STT.Settings); err != nil {
			return nil, err
		}
		var settings deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
		if err := configutil.RequireRange(utteranceEnd, 0, 5000, "vendors.stt.settings.utterance_end_ms"); err != nil {
			return nil, err
		}
		return deepgram.NewFactory(deepgram.Config{
			APIKey:    settings.APIKey,
			Model:     settings.Model,
			Language:  settings.Language,
			Interim:   configutil.BoolValue(settings.Interim, true),
			VADEvents: configutil.BoolValue(settings.VADEvents, true),
			Params: deepgram.Params{
				UtteranceEndMS: utteranceEnd,
				ConnectRetries: configutil.IntValue(settings.ConnectRetries, 2),
				ConnectBackoff: ms(settings.ConnectBackoffMS),
				StallTimeout:   ms(settings.StallTimeoutMS),
			},
		}, logger), nil
	})

	reg.RegisterSTT("mock", func(cfg Config, _ *slog.Logger) (stt.Factory, error) {
		if err := mockSTTSchema.Validate("vendors.stt.settings", cfg.Vendors.STT.Settings); err != nil {
			return nil, err
		}
		var settings mockSTTSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewSTTFactory(mock.STTConfig{
			Transcripts:        settings.Transcripts,
			FramesPerUtterance: settings.FramesPerUtterance,
			EmitInterim:        configutil.BoolValue(settings.EmitInterim, false),
		}), nil
	})

	reg.RegisterTTS("elevenlabs", func(cfg Config, logger *slog.Logger) (tts.Synthesizer, tts.Config, error) {
		if err := elevenLabsSchema.Validate("vendors.tts.settings", cfg.Vendors.TTS.Settings); err != nil {
			return nil, tts.Config{}, err
		}
		var settings elevenlabsSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, tts.Config{}, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, tts.Config{}, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, tts.Config{}, err
		}
		if settings.OutputFormat == "" {
			settings.OutputFormat = "pcm_16000"
		}
		out, err := elevenLabsOutput(settings.OutputFormat)
		if err != nil {
			return nil, tts.Config{}, err
		}
		breaker := newBreaker(settings.CircuitThreshold, settings.CircuitCooldownMS)
		synth := elevenlabs.New(elevenlabs.Config{
			APIKey:       settings.APIKey,
			VoiceID:      settings.VoiceID,
			ModelID:      settings.ModelID,
			OutputFormat: settings.OutputFormat,
			Stability:    settings.Stability,
			Similarity:   settings.Similarity,
		}, breaker, logger)
		return synth, out, nil
	})

	reg.RegisterTTS("mock", func(cfg Config, _ *slog.Logger) (tts.Synthesizer, tts.Config, error) {
		if err := mockTTSSchema.Validate("vendors.tts.settings", cfg.Vendors.TTS.Settings); err != nil {
			return nil, tts.Config{}, err
		}
		var settings mockTTSSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, tts.Config{}, err
		}
		if settings.SampleRate == 0 {
			settings.SampleRate = 16000
		}
		synth := mock.NewTTS(mock.TTSConfig{
			SampleRate:   settings.SampleRate,
			SegmentMS:    settings.SegmentMS,
			PerRuneMS:    settings.PerRuneMS,
			ToneHz:       settings.ToneHz,
			SegmentDelay: ms(settings.SegmentDelayMS),
		})
		return synth, tts.Config{SampleRate: settings.SampleRate, Channels: 1, Encoding: "linear16"}, nil
	})

	reg.RegisterEngine("openai", func(cfg Config, _ *slog.Logger) (dialogue.Engine, error) {
		if err := openAISchema.Validate("vendors.llm.settings", cfg.Vendors.LLM.Settings); err != nil {
			return nil, err
		}
		var settings openAISettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.Model, "vendors.llm.settings.model"); err != nil {
			return nil, err
		}
		engine := openai.NewEngine(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			engine.BaseURL = settings.BaseURL
		}
		if settings.Temperature > 0 {
			engine.Temperature = settings.Temperature
		}
		if prompt := strings.TrimSpace(cfg.BasePrompt); prompt != "" {
			engine.SystemPrompt = prompt
		}
		var breaker *resilience.CircuitBreaker
		if configutil.BoolValue(settings.UseCircuitBreaker, true) {
			breaker = newBreaker(settings.CircuitThreshold, settings.CircuitCooldownMS)
		}
		return dialogue.NewResilient(engine, dialogue.RetryConfig{MaxAttempts: settings.MaxAttempts}, breaker), nil
	})

	reg.RegisterEngine("mock", func(cfg Config, _ *slog.Logger) (dialogue.Engine, error) {
		if err := mockEngineSchema.Validate("vendors.llm.settings", cfg.Vendors.LLM.Settings); err != nil {
			return nil, err
		}
		var settings mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, err
		}
		return mock.NewEngine(mock.EngineConfig{
			Answers:    settings.Answers,
			Fallback:   settings.Fallback,
			ChunkDelay: ms(settings.ChunkDelayMS),
		}), nil
	})
}

func newBreaker(threshold, cooldownMS int) *resilience.CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldownMS <= 0 {
		cooldownMS = 30000
	}
	return resilience.NewCircuitBreaker(threshold, time.Duration(cooldownMS)*time.Millisecond)
}

// elevenLabsOutput maps an output_format such as pcm_16000 or ulaw_8000 to
// the audio the synthesizer will emit.
func elevenLabsOutput(format string) (tts.Config, error) {
	kind, rate, ok := strings.Cut(strings.ToLower(strings.TrimSpace(format)), "_")
	if !ok {
		return tts.Config{}, fmt.Errorf("vendors.tts.settings.output_format: unsupported %q", format)
	}
	hz, err := strconv.Atoi(rate)
	if err != nil || hz <= 0 {
		return tts.Config{}, fmt.Errorf("vendors.tts.settings.output_format: bad sample rate in %q", format)
	}
	switch kind {
	case "pcm":
		return tts.Config{SampleRate: hz, Channels: 1, Encoding: "linear16"}, nil
	case "ulaw":
		return tts.Config{SampleRate: hz, Channels: 1, Encoding: "mulaw"}, nil
	default:
		return tts.Config{}, fmt.Errorf("vendors.tts.settings.output_format must be pcm_* or ulaw_*, got %q", format)
	}
}
