// Package provider contains the adapters that parse provider-native chat
// session storage into the canonical model.
package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/iksnae/chat-harvest/internal"
)

// Adapter is the capability contract every provider implements. Adapters
// only read provider storage; all canonical writes go through the store.
type Adapter interface {
	// Tag returns the provider tag used for registry lookup ("vscode",
	// "cursor").
	Tag() string

	// Available reports whether this provider's storage exists on this
	// machine.
	Available() bool

	// ListWorkspaces enumerates the provider's workspace storage units.
	ListWorkspaces(ctx context.Context) ([]internal.Workspace, error)

	// ListSessions enumerates session handles inside one workspace.
	ListSessions(ctx context.Context, ws internal.Workspace) ([]internal.SessionRef, error)

	// ReadSession loads and normalizes one session. A *internal.
	// PartialReadError is returned alongside a non-nil session when a
	// truncated file still yielded a usable prefix; the session carries
	// Partial=true so callers can decide to keep or discard it.
	ReadSession(ctx context.Context, ref internal.SessionRef) (*internal.Session, error)

	// WriteSession serializes a canonical session back into the
	// provider's native encoding at the location ref points to. Fields
	// the normalizer does not understand are carried through from
	// session.Native byte-for-byte.
	WriteSession(ctx context.Context, ref internal.SessionRef, session *internal.Session) error
}

// Registry holds adapters keyed by provider tag. Selection is always by
// tag, never by inspecting adapter types.
type Registry struct {
	adapters map[string]Adapter
	tags     []string
}

// NewRegistry creates a registry with the given adapters. Duplicate tags
// are an error at construction time.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Tag()]; dup {
			return nil, fmt.Errorf("duplicate provider tag %q", a.Tag())
		}
		r.adapters[a.Tag()] = a
		r.tags = append(r.tags, a.Tag())
	}
	sort.Strings(r.tags)
	return r, nil
}

// Get returns the adapter for tag.
func (r *Registry) Get(tag string) (Adapter, error) {
	a, ok := r.adapters[tag]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (known: %v)", tag, r.tags)
	}
	return a, nil
}

// Tags lists registered provider tags in stable order.
func (r *Registry) Tags() []string {
	out := make([]string, len(r.tags))
	copy(out, r.tags)
	return out
}

// Available returns the adapters whose storage is present on this machine.
func (r *Registry) Available() []Adapter {
	var out []Adapter
	for _, tag := range r.tags {
		if a := r.adapters[tag]; a.Available() {
			out = append(out, a)
		}
	}
	return out
}
