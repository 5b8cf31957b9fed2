// Package protocol defines the wire envelope exchanged between voice clients
// and the session server. Audio travels as raw binary frames; everything else
// is a JSON envelope discriminated by its "type" field.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/voicebank/pkg/errorsx"
)

// Type tags an envelope.
type Type string

const (
	TypeActivateVoice   Type = "activate_voice"
	TypeDeactivateVoice Type = "deactivate_voice"
	TypeStopPlayback    Type = "stop_playback"
	TypeUserText        Type = "user_text"
	TypeReset           Type = "reset"

	TypeSessionStarted Type = "session_started"
	TypeStateChanged   Type = "state_changed"
	TypeSTTInterim     Type = "stt_interim_result"
	TypeSTTFinal       Type = "stt_final_result"
	TypeLLMChunk       Type = "llm_response_chunk"
	TypeLLMEnd         Type = "llm_response_end"
	TypeTTSAudioChunk  Type = "tts_audio_chunk"
	TypeTTSStreamEnd   Type = "tts_stream_end"
	TypeError          Type = "error"
)

// Direction tells which side of the channel may send a type.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionClientToServer
	DirectionServerToClient
)

func (t Type) Direction() Direction {
	switch t {
	case TypeActivateVoice, TypeDeactivateVoice, TypeStopPlayback, TypeUserText, TypeReset:
		return DirectionClientToServer
	case TypeSessionStarted, TypeStateChanged, TypeSTTInterim, TypeSTTFinal,
		TypeLLMChunk, TypeLLMEnd, TypeTTSAudioChunk, TypeTTSStreamEnd, TypeError:
		return DirectionServerToClient
	default:
		return DirectionUnknown
	}
}

// TurnScoped reports whether envelopes of this type always carry a turn id.
func (t Type) TurnScoped() bool {
	switch t {
	case TypeLLMChunk, TypeLLMEnd, TypeTTSAudioChunk, TypeTTSStreamEnd:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownType  = errors.New("unknown envelope type")
	ErrMissingField = errors.New("missing envelope field")
)

// Envelope is the typed JSON message. Field presence is fixed per Type and
// checked by Validate. Turn ids start at 1, so zero means "no turn".
type Envelope struct {
	Type        Type   `json:"type"`
	SessionID   string `json:"sessionId,omitempty"`
	State       string `json:"state,omitempty"`
	Transcript  string `json:"transcript,omitempty"`
	Text        string `json:"text,omitempty"`
	Chunk       string `json:"chunk,omitempty"`
	AudioBase64 string `json:"audioBase64,omitempty"`
	Message     string `json:"message,omitempty"`
	Fatal       bool   `json:"fatal,omitempty"`
	TurnID      uint64 `json:"turnId,omitempty"`
}

// Validate checks the per-type field contract.
func (e Envelope) Validate() error {
	missing := func(field string) error {
		return errorsx.Errorf(errorsx.ReasonProtocolMalformed, "%w: %s requires %s", ErrMissingField, e.Type, field)
	}
	switch e.Type {
	case TypeActivateVoice, TypeDeactivateVoice, TypeStopPlayback, TypeReset:
		return nil
	case TypeUserText:
		if strings.TrimSpace(e.Text) == "" {
			return missing("text")
		}
	case TypeSessionStarted:
		if e.SessionID == "" {
			return missing("sessionId")
		}
	case TypeStateChanged:
		if e.State == "" {
			return missing("state")
		}
	case TypeSTTInterim, TypeSTTFinal:
		if e.Transcript == "" {
			return missing("transcript")
		}
	case TypeLLMChunk:
		if e.TurnID == 0 {
			return missing("turnId")
		}
		if e.Chunk == "" {
			return missing("chunk")
		}
	case TypeTTSAudioChunk:
		if e.TurnID == 0 {
			return missing("turnId")
		}
		if e.AudioBase64 == "" {
			return missing("audioBase64")
		}
	case TypeLLMEnd, TypeTTSStreamEnd:
		if e.TurnID == 0 {
			return missing("turnId")
		}
	case TypeError:
		if e.Message == "" {
			return missing("message")
		}
	default:
		return errorsx.Errorf(errorsx.ReasonProtocolMalformed, "%w: %q", ErrUnknownType, string(e.Type))
	}
	return nil
}

// Audio decodes the base64 payload of a tts_audio_chunk.
func (e Envelope) Audio() ([]byte, error) {
	if e.Type != TypeTTSAudioChunk {
		return nil, fmt.Errorf("envelope %s carries no audio", e.Type)
	}
	b, err := base64.StdEncoding.DecodeString(e.AudioBase64)
	if err != nil {
		return nil, errorsx.Errorf(errorsx.ReasonProtocolMalformed, "decode audio: %w", err)
	}
	return b, nil
}

// Decode parses and validates one text frame.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errorsx.Errorf(errorsx.ReasonProtocolMalformed, "decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode validates and serializes an envelope.
func Encode(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
