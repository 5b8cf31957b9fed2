package protocol

import "encoding/base64"

func ActivateVoice() Envelope   { return Envelope{Type: TypeActivateVoice} }
func DeactivateVoice() Envelope { return Envelope{Type: TypeDeactivateVoice} }
func StopPlayback() Envelope    { return Envelope{Type: TypeStopPlayback} }
func Reset() Envelope           { return Envelope{Type: TypeReset} }

func UserText(text string) Envelope {
	return Envelope{Type: TypeUserText, Text: text}
}

func SessionStarted(sessionID, state string) Envelope {
	return Envelope{Type: TypeSessionStarted, SessionID: sessionID, State: state}
}

func StateChanged(state string, turnID uint64) Envelope {
	return Envelope{Type: TypeStateChanged, State: state, TurnID: turnID}
}

func STTInterim(transcript string) Envelope {
	return Envelope{Type: TypeSTTInterim, Transcript: transcript}
}

// STTFinal carries the transcript that opens turnID.
func STTFinal(transcript string, turnID uint64) Envelope {
	return Envelope{Type: TypeSTTFinal, Transcript: transcript, TurnID: turnID}
}

func LLMChunk(turnID uint64, chunk string) Envelope {
	return Envelope{Type: TypeLLMChunk, TurnID: turnID, Chunk: chunk}
}

func LLMEnd(turnID uint64) Envelope {
	return Envelope{Type: TypeLLMEnd, TurnID: turnID}
}

func TTSAudioChunk(turnID uint64, audio []byte) Envelope {
	return Envelope{Type: TypeTTSAudioChunk, TurnID: turnID, AudioBase64: base64.StdEncoding.EncodeToString(audio)}
}

func TTSStreamEnd(turnID uint64) Envelope {
	return Envelope{Type: TypeTTSStreamEnd, TurnID: turnID}
}

// TurnError reports a turn-scoped failure. A zero turnID reports a failure
// that happened outside any turn (e.g. recognition while LISTENING).
func TurnError(message string, turnID uint64) Envelope {
	return Envelope{Type: TypeError, Message: message, TurnID: turnID}
}

// FatalError is the single terminal message sent before disconnect.
func FatalError(message string) Envelope {
	return Envelope{Type: TypeError, Message: message, Fatal: true}
}
