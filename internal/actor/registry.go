package actor

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds an actor (with its own store and remote client) for a
// repository identity.
type Factory func(repo string) (*Actor, error)

// Registry is the addressable map of per-repository actors. Each repository
// identity resolves to exactly one instance; instances are created lazily on
// first use and hold exclusive access to their own durable store.
type Registry struct {
	mu      sync.RWMutex
	actors  map[string]*Actor
	factory Factory
}

// NewRegistry creates a registry that builds missing actors via factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		actors:  make(map[string]*Actor),
		factory: factory,
	}
}

// Get resolves the actor for a repository, creating it on first use.
func (r *Registry) Get(repo string) (*Actor, error) {
	r.mu.RLock()
	a, ok := r.actors[repo]
	r.mu.RUnlock()
	if ok {
		return a, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[repo]; ok {
		return a, nil
	}
	if r.factory == nil {
		return nil, fmt.Errorf("no actor registered for repository %s", repo)
	}
	a, err := r.factory(repo)
	if err != nil {
		return nil, fmt.Errorf("failed to create actor for %s: %w", repo, err)
	}
	r.actors[repo] = a
	return a, nil
}

// Lookup resolves an existing actor without creating one.
func (r *Registry) Lookup(repo string) (*Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[repo]
	return a, ok
}

// Register installs a pre-built actor, replacing any existing instance.
func (r *Registry) Register(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actors[a.Repo()] = a
}

// Repos returns the registered repository identities, sorted.
func (r *Registry) Repos() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repos := make([]string, 0, len(r.actors))
	for repo := range r.actors {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos
}

// All returns every registered actor.
func (r *Registry) All() []*Actor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	return actors
}

// CloseAll closes every actor's store. The registry is unusable afterwards.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for repo, a := range r.actors {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close store for %s: %w", repo, err)
		}
		delete(r.actors, repo)
	}
	return firstErr
}
