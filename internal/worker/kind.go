package worker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/events"
)

// Kind is the closed set of worker specializations.
type Kind string

const (
	KindLead     Kind = events.AgentTypeLead
	KindBackend  Kind = events.AgentTypeBackend
	KindFrontend Kind = events.AgentTypeFrontend
	KindTest     Kind = events.AgentTypeTest
)

// Kinds lists every worker kind.
var Kinds = []Kind{KindLead, KindBackend, KindFrontend, KindTest}

// ParseKind maps an agent type string to a Kind. Unknown values fall back to
// backend-worker.
func ParseKind(s string) Kind {
	return Kind(events.ParseAgentType(s))
}

func (k Kind) String() string { return string(k) }

// Profile is what distinguishes one worker kind from another. Every kind runs
// through the same Worker.Execute; only the collaborators and prompt differ.
type Profile struct {
	Kind         Kind
	Provider     string // Provider name shown to observers
	SystemPrompt string
	Generator    backend.Generator
	Verifier     backend.Verifier
}

// Registry is the Kind -> Profile lookup table.
type Registry struct {
	mu       sync.RWMutex
	profiles map[Kind]Profile
}

// NewRegistry creates a registry holding the given profiles.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[Kind]Profile)}
	for _, p := range profiles {
		r.Register(p)
	}
	return r
}

// Register adds or replaces the profile for p.Kind.
func (r *Registry) Register(p Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Kind] = p
}

// Lookup returns the profile for k, falling back to the backend-worker
// profile when k has none.
func (r *Registry) Lookup(k Kind) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.profiles[k]; ok {
		return p, nil
	}
	if p, ok := r.profiles[KindBackend]; ok {
		p.Kind = k
		return p, nil
	}
	return Profile{}, fmt.Errorf("no worker profile for %q", k)
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.profiles))
	for k := range r.profiles {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
