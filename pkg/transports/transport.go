package transports

import (
	"context"
	"net/http"
	"strings"

	"github.com/harunnryd/voicebank/pkg/protocol"
	"github.com/harunnryd/voicebank/pkg/session"
)

// Session is the part of a conversation session a transport drives.
// *session.Session satisfies it.
type Session interface {
	ID() string
	Run(ctx context.Context) error
	HandleText(data []byte) bool
	HandleEnvelope(env protocol.Envelope) bool
	HandleAudio(data []byte) bool
	TurnCancelled(turnID uint64) bool
	Done() <-chan struct{}
}

// Options carry the per-channel adjustments a transport asks for.
type Options struct {
	Format       protocol.AudioFormat
	AutoActivate bool
}

// SessionFactory builds a session bound to conn.
type SessionFactory func(conn session.Conn, opts Options) (Session, error)

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}

// OriginChecker returns a websocket CheckOrigin func. Requests without an
// Origin header (non-browser clients) are always accepted. Allowed entries
// may be full origins ("https://app.example") or bare hosts.
func OriginChecker(allowAny bool, allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if allowAny {
			return true
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		origin = strings.TrimRight(origin, "/")
		originHost := strings.TrimPrefix(origin, "https://")
		originHost = strings.TrimPrefix(originHost, "http://")
		for _, a := range allowed {
			a = strings.TrimRight(strings.TrimSpace(a), "/")
			if a == "" {
				continue
			}
			if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
				if strings.EqualFold(a, origin) {
					return true
				}
				continue
			}
			if strings.EqualFold(a, originHost) {
				return true
			}
		}
		return false
	}
}
