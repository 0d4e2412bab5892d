// ABOUTME: Agent capability contract and the closed set of agent identifiers
// ABOUTME: Every agent answers a conversation history with a single reply

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-signal/internal/conversation"
)

// Known agent identifiers. Mappings may only select one of these.
const (
	Paddy = "paddy"
	Nova  = "nova"
	Atlas = "atlas"
	Sage  = "sage"
)

// Known lists every agent identifier in display order.
var Known = []string{Paddy, Nova, Atlas, Sage}

// defaultAliases maps mention names to agent identifiers.
var defaultAliases = map[string]string{
	Paddy:     Paddy,
	"pad":     Paddy,
	"planner": Paddy,
	Nova:      Nova,
	"writer":  Nova,
	Atlas:     Atlas,
	"finance": Atlas,
	Sage:      Sage,
	"coach":   Sage,
}

// ErrUnknownAgent is returned for identifiers outside the registry.
var ErrUnknownAgent = errors.New("unknown agent")

// UnknownAgentError names the identifier that could not be resolved.
type UnknownAgentError struct {
	ID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.ID)
}

func (e *UnknownAgentError) Is(target error) bool {
	return target == ErrUnknownAgent
}

// ExecContext carries the caller identity an agent acts on behalf of.
type ExecContext struct {
	UserID string
	// Token is the user's decrypted bearer credential.
	Token   string
	Channel string
}

// Agent produces a reply for a conversation.
type Agent interface {
	Generate(ctx context.Context, history []conversation.Entry, exec ExecContext) (string, error)
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, history []conversation.Entry, exec ExecContext) (string, error)

func (f Func) Generate(ctx context.Context, history []conversation.Entry, exec ExecContext) (string, error) {
	return f(ctx, history, exec)
}

// IsKnown reports whether id belongs to the closed set.
func IsKnown(id string) bool {
	for _, k := range Known {
		if k == id {
			return true
		}
	}
	return false
}
