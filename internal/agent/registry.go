// ABOUTME: Lookup table from agent identifiers and mention aliases to agents
// ABOUTME: Unknown identifiers fail closed with UnknownAgentError

package agent

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Registry holds the agents available to contacts.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	aliases  map[string]string
	fallback string
	logger   *slog.Logger
}

// NewRegistry creates an empty registry using the built-in mention aliases.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	aliases := make(map[string]string, len(defaultAliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	return &Registry{
		agents:  make(map[string]Agent),
		aliases: aliases,
		logger:  logger.With("component", "agent"),
	}
}

// Register installs a for id. The first registered agent becomes the
// default until SetDefault is called.
func (r *Registry) Register(id string, a Agent) error {
	if !IsKnown(id) {
		return &UnknownAgentError{ID: id}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents[id] = a
	if r.fallback == "" {
		r.fallback = id
	}
	r.logger.Info("=== AGENT REGISTERED ===", "agent_id", id, "total_agents", len(r.agents))
	return nil
}

// Get returns the agent registered for id.
func (r *Registry) Get(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, &UnknownAgentError{ID: id}
	}
	return a, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, err := r.Get(id)
	return err == nil
}

// Resolve maps an identifier or mention alias to a registered agent id.
func (r *Registry) Resolve(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.aliases[name]
	if !ok {
		id = name
	}
	if _, ok := r.agents[id]; !ok {
		return "", &UnknownAgentError{ID: name}
	}
	return id, nil
}

// IsAlias reports whether name is a mention alias, registered or not.
func (r *Registry) IsAlias(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.aliases[strings.ToLower(name)]
	return ok
}

// Names lists registered agent ids in display order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for _, id := range Known {
		if _, ok := r.agents[id]; ok {
			names = append(names, id)
		}
	}
	return names
}

// SetDefault selects the agent new pairings use when none is requested.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return fmt.Errorf("default agent: %w", &UnknownAgentError{ID: id})
	}
	r.fallback = id
	return nil
}

// Default returns the default agent id, or "" when nothing is registered.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}
