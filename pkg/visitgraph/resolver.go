package visitgraph

import (
	"fmt"

	"github.com/orneryd/visitgraph/pkg/cache"
	"github.com/orneryd/visitgraph/pkg/storage"
)

// resolver maps natural keys of one entity kind to store identities,
// creating the entity at most logically once. Resolution order: identity
// cache, then the store's unique index, then the store's get-or-create
// primitive. The store's uniqueness constraint is the final arbiter; the
// cache is only a memo of previously confirmed resolutions.
type resolver struct {
	label    string
	property string
	cache    *cache.IdentityCache
}

func newResolver(label, property string, idCache *cache.IdentityCache) *resolver {
	return &resolver{label: label, property: property, cache: idCache}
}

// resolve returns the identity for key inside the live transaction,
// creating the entity when it does not exist yet.
//
// Cache inserts for identities confirmed by an index hit are applied
// immediately (the entity is committed). Inserts for identities produced by
// get-or-create are deferred through pending and only reach the cache once
// the enclosing transaction commits, so a failed chunk never plants an
// identity that was rolled back.
func (r *resolver) resolve(tx storage.Tx, key string, pending *pendingInserts) (storage.NodeID, error) {
	if id, ok := r.cache.Lookup(key); ok {
		return id, nil
	}

	node, err := tx.FindNodeByProperty(r.label, r.property, key)
	if err == nil {
		r.cache.Insert(key, node.ID)
		return node.ID, nil
	}
	if err != storage.ErrNotFound {
		return 0, fmt.Errorf("resolve %s %q: %w", r.label, key, err)
	}

	node, _, err = tx.GetOrCreateNode(r.label, r.property, key)
	if err != nil {
		return 0, fmt.Errorf("resolve %s %q: %w", r.label, key, err)
	}
	pending.add(r.cache, key, node.ID)
	return node.ID, nil
}

// lookup is the best-effort, non-creating resolution used to classify
// events on the asynchronous path and to resolve users on the query path:
// cache, then unique index. An index hit is memoized immediately.
func (r *resolver) lookup(tx storage.Tx, key string) (storage.NodeID, bool, error) {
	if id, ok := r.cache.Lookup(key); ok {
		return id, true, nil
	}

	node, err := tx.FindNodeByProperty(r.label, r.property, key)
	if err == storage.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s %q: %w", r.label, key, err)
	}
	r.cache.Insert(key, node.ID)
	return node.ID, true, nil
}

// pendingInserts collects cache inserts that must wait for a commit.
type pendingInserts struct {
	entries []pendingInsert
}

type pendingInsert struct {
	cache *cache.IdentityCache
	key   string
	id    storage.NodeID
}

func (p *pendingInserts) add(c *cache.IdentityCache, key string, id storage.NodeID) {
	p.entries = append(p.entries, pendingInsert{cache: c, key: key, id: id})
}

// commit flushes the collected inserts to their caches and resets the set.
// Called after the enclosing transaction committed successfully.
func (p *pendingInserts) commit() {
	for _, e := range p.entries {
		e.cache.Insert(e.key, e.id)
	}
	p.entries = nil
}

// discard drops the collected inserts without applying them.
func (p *pendingInserts) discard() {
	p.entries = nil
}
