package voicebank

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/voicebank/pkg/adapters/stt"
	"github.com/harunnryd/voicebank/pkg/adapters/tts"
	"github.com/harunnryd/voicebank/pkg/dialogue"
)

// STTBuilder returns the per-session recognition stream factory.
type STTBuilder func(cfg Config, logger *slog.Logger) (stt.Factory, error)

// TTSBuilder returns a synthesizer and the audio format it emits.
type TTSBuilder func(cfg Config, logger *slog.Logger) (tts.Synthesizer, tts.Config, error)

type EngineBuilder func(cfg Config, logger *slog.Logger) (dialogue.Engine, error)

type ProviderRegistry struct {
	stt map[string]STTBuilder
	tts map[string]TTSBuilder
	llm map[string]EngineBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTBuilder),
		tts: make(map[string]TTSBuilder),
		llm: make(map[string]EngineBuilder),
	}
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *ProviderRegistry) RegisterSTT(name string, b STTBuilder) {
	r.stt[providerKey(name)] = b
}

func (r *ProviderRegistry) RegisterTTS(name string, b TTSBuilder) {
	r.tts[providerKey(name)] = b
}

func (r *ProviderRegistry) RegisterEngine(name string, b EngineBuilder) {
	r.llm[providerKey(name)] = b
}

func (r *ProviderRegistry) BuildSTT(cfg Config, logger *slog.Logger) (stt.Factory, error) {
	fn := r.stt[providerKey(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildTTS(cfg Config, logger *slog.Logger) (tts.Synthesizer, tts.Config, error) {
	fn := r.tts[providerKey(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, tts.Config{}, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg, logger)
}

func (r *ProviderRegistry) BuildEngine(cfg Config, logger *slog.Logger) (dialogue.Engine, error) {
	fn := r.llm[providerKey(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(cfg, logger)
}
