package core

import (
	"sync"
	"time"
)

// SessionBinding ties an opaque session token to the one patient allowed to
// use it.  Bindings are never mutated after creation.
type SessionBinding struct {
	Token     string
	PatientID string
	CreatedAt time.Time
}

// Registry maps session tokens to patient identities.  It is volatile: all
// bindings are lost when the process exits.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]SessionBinding
	now      func() time.Time
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]SessionBinding), now: time.Now}
}

// Create inserts a binding for token.  The caller is responsible for the
// token being unguessable; an existing binding for the same token is
// replaced.
func (r *Registry) Create(token, patientID string) SessionBinding {
	b := SessionBinding{Token: token, PatientID: patientID, CreatedAt: r.now()}
	r.mu.Lock()
	r.bindings[token] = b
	r.mu.Unlock()
	return b
}

// Lookup returns the patient bound to token.  ok is false for unknown tokens.
func (r *Registry) Lookup(token string) (patientID string, ok bool) {
	r.mu.RLock()
	b, ok := r.bindings[token]
	r.mu.RUnlock()
	return b.PatientID, ok
}

// Binding returns the full binding for token.
func (r *Registry) Binding(token string) (SessionBinding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[token]
	return b, ok
}

// Remove deletes the binding for token.  Removing an absent token is a no-op.
func (r *Registry) Remove(token string) {
	r.mu.Lock()
	delete(r.bindings, token)
	r.mu.Unlock()
}

// Tokens returns the tokens currently bound, in no particular order.
func (r *Registry) Tokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bindings))
	for t := range r.bindings {
		out = append(out, t)
	}
	return out
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
