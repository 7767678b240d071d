package placement

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dreamware/orbital/internal/actor"
	"github.com/dreamware/orbital/internal/store"
)

// MemberLister is the subset of membership.Protocol the directory needs
// to pick an allocation target. It is expressed as an interface here so
// this package does not import membership (which never needs placement).
type MemberLister interface {
	ListActive(ctx context.Context) ([]store.MemberEntry, error)
}

// Directory is the placement directory for one node.
type Directory struct {
	st      store.PlacementStorage
	members MemberLister

	cache *lru.Cache[actor.Identity, string]
	group singleflight.Group

	mu sync.Mutex // serializes invalidateByAddress sweeps; the LRU cache is itself safe for concurrent use
}

const defaultCacheSize = 4096

// New constructs a Directory. cacheSize <= 0 uses a built-in default.
func New(st store.PlacementStorage, members MemberLister, cacheSize int) *Directory {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[actor.Identity, string](cacheSize)
	if err != nil {
		// Only non-positive sizes make lru.New fail, and cacheSize is
		// normalized above, so this is unreachable in practice.
		panic(fmt.Sprintf("placement: lru.New: %v", err))
	}
	return &Directory{st: st, members: members, cache: cache}
}

// Lookup returns the current hosting address for id, or "" if
// unallocated. It checks the local cache first; a cache hit is not
// re-validated against the store, so a caller that forwards to a stale
// address must fall back to Allocate (or surface a Redirect) on failure.
func (d *Directory) Lookup(ctx context.Context, id actor.Identity) (string, error) {
	if addr, ok := d.cache.Get(id); ok {
		return addr, nil
	}
	entry, err := d.st.Get(ctx, id.Type, id.ID)
	if err == store.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("placement: lookup %s: %w", id, err)
	}
	if entry.ServerAddress != "" {
		d.cache.Add(id, entry.ServerAddress)
	}
	return entry.ServerAddress, nil
}

// Allocate claims id for a newly chosen host when no placement exists
// yet, or returns the existing host if another caller won the race.
// Concurrent local callers for the same id share one store round-trip.
func (d *Directory) Allocate(ctx context.Context, id actor.Identity) (string, error) {
	v, err, _ := d.group.Do(id.String(), func() (any, error) {
		if addr, err := d.Lookup(ctx, id); err != nil {
			return "", err
		} else if addr != "" {
			return addr, nil
		}

		candidate, err := d.pickCandidate(ctx)
		if err != nil {
			return "", err
		}
		entry, err := d.st.CASInsertIfAbsent(ctx, id.Type, id.ID, candidate)
		if err != nil {
			return "", fmt.Errorf("placement: allocate %s: %w", id, err)
		}
		d.cache.Add(id, entry.ServerAddress)
		return entry.ServerAddress, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// pickCandidate chooses a host for a new allocation by uniform random
// selection over the currently active membership. Weighted-by-load
// placement is a documented extension point, not implemented here.
func (d *Directory) pickCandidate(ctx context.Context) (string, error) {
	active, err := d.members.ListActive(ctx)
	if err != nil {
		return "", fmt.Errorf("placement: list active members: %w", err)
	}
	if len(active) == 0 {
		return "", fmt.Errorf("placement: no active members to allocate onto")
	}
	return active[rand.IntN(len(active))].Address, nil
}

// Evict removes every placement row hosted on address and invalidates
// any cached entries. Called when membership observes a node going
// inactive.
func (d *Directory) Evict(ctx context.Context, address string) error {
	if err := d.st.RemoveByAddress(ctx, address); err != nil {
		return fmt.Errorf("placement: evict %s: %w", address, err)
	}
	d.invalidateByAddress(address)
	return nil
}

// EvictOne releases a single placement row, used by a host retiring an
// object (self-shutdown, idle TTL).
func (d *Directory) EvictOne(ctx context.Context, id actor.Identity, address string) error {
	if err := d.st.Remove(ctx, id.Type, id.ID, address); err != nil {
		return fmt.Errorf("placement: evict_one %s: %w", id, err)
	}
	d.cache.Remove(id)
	return nil
}

// Invalidate drops id from the cache without touching the store,
// typically called after a forward to a cached address returns
// Redirect or a connection error.
func (d *Directory) Invalidate(id actor.Identity) {
	d.cache.Remove(id)
}

func (d *Directory) invalidateByAddress(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.cache.Keys() {
		if addr, ok := d.cache.Peek(id); ok && addr == address {
			d.cache.Remove(id)
		}
	}
}
