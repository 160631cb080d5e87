package runova

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ProfileCache memoizes profile lookups for the lifetime of a session.
// Concurrent misses for the same id coalesce into a single remote fetch, so
// a group roster resolving while the conversation list resolves the same
// user costs one read, not one per view. No eviction: profiles change
// rarely relative to session length and stale entries are acceptable.
type ProfileCache struct {
	store RemoteStore

	mu       sync.RWMutex
	profiles map[string]Profile
	flight   singleflight.Group
}

// NewProfileCache creates an empty cache backed by store.
func NewProfileCache(store RemoteStore) *ProfileCache {
	return &ProfileCache{
		store:    store,
		profiles: make(map[string]Profile),
	}
}

// Get returns the profile for id, fetching it on first use.
func (c *ProfileCache) Get(ctx context.Context, id string) (Profile, error) {
	if id == "" {
		return Profile{}, fmt.Errorf("%w: empty profile id", ErrInvalidArgument)
	}

	c.mu.RLock()
	p, ok := c.profiles[id]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := c.flight.Do(id, func() (any, error) {
		// Another flight may have filled the cache while this one queued.
		c.mu.RLock()
		p, ok := c.profiles[id]
		c.mu.RUnlock()
		if ok {
			return p, nil
		}

		doc, err := c.store.Get(ctx, CollProfiles+"/"+id)
		if err != nil {
			return Profile{}, err
		}
		p = decodeProfile(id, doc)

		c.mu.Lock()
		c.profiles[id] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile %s: %w", id, err)
	}
	return v.(Profile), nil
}

// Lookup resolves a set of ids concurrently, deduplicating first. The first
// fetch failure cancels the rest and propagates; partial results are never
// returned silently.
func (c *ProfileCache) Lookup(ctx context.Context, ids []string) (map[string]Profile, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	out := make(map[string]Profile, len(unique))
	var outMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range unique {
		id := id
		g.Go(func() error {
			p, err := c.Get(ctx, id)
			if err != nil {
				return err
			}
			outMu.Lock()
			out[id] = p
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Seed inserts a profile without a remote fetch.
func (c *ProfileCache) Seed(p Profile) {
	if p.ID == "" {
		return
	}
	c.mu.Lock()
	c.profiles[p.ID] = p
	c.mu.Unlock()
}

// Len returns the number of cached profiles.
func (c *ProfileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profiles)
}
