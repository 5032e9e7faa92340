package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrAlreadyWatched = errors.New("conversation already watched")
	ErrNotWatched     = errors.New("conversation not watched")
	ErrInvalidName    = errors.New("invalid conversation name")
	// ErrPersist wraps a failure to store the group list after the in-memory
	// change was applied.
	ErrPersist = errors.New("persist groups")
)

// Watcher is the part of the chat client the registry drives.
type Watcher interface {
	Watch(ctx context.Context, conversation string) error
}

// GroupsPersister stores the watched conversation list.
type GroupsPersister interface {
	SetGroups(groups []string) error
}

// Registry tracks the watched conversations. It is safe for concurrent use.
type Registry struct {
	watcher   Watcher
	persister GroupsPersister
	log       zerolog.Logger

	mu    sync.Mutex
	names map[string]struct{}
	// pending holds names whose watch call is in flight. They are not
	// visible through Has or List.
	pending map[string]struct{}
}

// New creates a registry seeded with initial names. Seeding neither watches
// nor persists; call WatchAll once the chat client is up.
func New(watcher Watcher, persister GroupsPersister, initial []string, log zerolog.Logger) *Registry {
	r := &Registry{
		watcher:   watcher,
		persister: persister,
		log:       log.With().Str("component", "registry").Logger(),
		names:     make(map[string]struct{}),
		pending:   make(map[string]struct{}),
	}
	for _, n := range initial {
		if n = strings.TrimSpace(n); n != "" {
			r.names[n] = struct{}{}
		}
	}
	return r
}

// Add watches name and records it. When the chat client rejects the watch the
// registry is left unchanged. The name becomes visible through Has only after
// the watch succeeded. An error wrapping ErrPersist means name is watched and
// registered but the stored group list is stale.
func (r *Registry) Add(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidName
	}

	// Reserve the name so the lock is not held across a chat client round trip.
	r.mu.Lock()
	_, registered := r.names[name]
	_, inFlight := r.pending[name]
	if registered || inFlight {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyWatched, name)
	}
	r.pending[name] = struct{}{}
	r.mu.Unlock()

	var err error
	if r.watcher != nil {
		err = r.watcher.Watch(ctx, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, name)
	if err != nil {
		return fmt.Errorf("watch %s: %w", name, err)
	}
	r.names[name] = struct{}{}
	return r.persistLocked("add", name)
}

// Remove forgets name. It does not unwatch; the caller owns the chat client
// side of removal. An error wrapping ErrPersist means name was removed but the
// stored group list is stale.
func (r *Registry) Remove(name string) error {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.names[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, name)
	}
	delete(r.names, name)
	return r.persistLocked("remove", name)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.names[name]
	return ok
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

// WatchAll issues a watch for every registered name and stops at the first
// failure.
func (r *Registry) WatchAll(ctx context.Context) error {
	if r.watcher == nil {
		return nil
	}
	for _, name := range r.List() {
		if err := r.watcher.Watch(ctx, name); err != nil {
			return fmt.Errorf("watch %s: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) listLocked() []string {
	out := make([]string, 0, len(r.names))
	for n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) persistLocked(op, name string) error {
	if r.persister == nil {
		return nil
	}
	if err := r.persister.SetGroups(r.listLocked()); err != nil {
		r.log.Error().Err(err).Str("op", op).Str("conversation", name).Msg("persist groups failed")
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}
