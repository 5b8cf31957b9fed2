// Package dialogue is the boundary to the engine that decides what the
// assistant says. The session only relays what an Engine streams back.
package dialogue

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role
	Content string
}

// Request is one turn's input.
type Request struct {
	SessionID  string
	TurnID     uint64
	Transcript string
	History    []Message
	VoiceMode  bool
}

// Delta is one streamed piece of answer text, or a terminal failure.
type Delta struct {
	Text string
	Err  error
}

// Reply is the engine's streamed answer. Deltas is closed at end of stream.
// Speak tells whether synthesized audio should follow the text.
type Reply struct {
	Deltas <-chan Delta
	Speak  bool
}

// Engine answers one turn. Implementations must stop producing once ctx
// is done.
type Engine interface {
	Name() string
	Respond(ctx context.Context, req Request) (Reply, error)
}
