package storage

import "sync"

// =============================================================================
// SCHEMA: UNIQUE CONSTRAINTS + IN-FLIGHT RESERVATIONS
// =============================================================================
//
// SchemaManager is shared by both engines. It tracks which (label, property)
// pairs carry a uniqueness constraint, and arbitrates concurrent
// GetOrCreateNode calls through reservations:
//
//   - The first transaction to ask for a missing unique value becomes the
//     owner: it allocates the NodeID the value converges on.
//   - Every other transaction asking for the same value before the owner's
//     commit is handed the same NodeID.
//
// Every transaction handed the ID — owner and racers alike — buffers its
// own node write for it, so whichever of them commits first materializes
// the node and an edge committed against the ID always lands next to its
// endpoint. An owner that discards costs nothing: the first racer to commit
// creates the node instead, and applying the same (ID, value) twice is
// idempotent (the memory engine skips the second write, Badger aborts the
// later transaction with a conflict).
//
// A reservation lives from Reserve until the owning transaction commits or
// discards (ReleaseTx). The committed unique index takes over from there.
//
// Lock ordering: SchemaManager.mu may be taken while calling back into the
// engine for a committed-index read, so engines must never call into
// SchemaManager while holding their own write lock.

type uniqueKey struct {
	Label    string
	Property string
	Value    string
}

type reservation struct {
	id    NodeID
	owner uint64 // transaction token
}

// SchemaManager tracks unique constraints and pending reservations.
type SchemaManager struct {
	mu          sync.Mutex
	constraints map[[2]string]struct{}
	reserved    map[uniqueKey]reservation
}

// NewSchemaManager creates an empty schema manager.
func NewSchemaManager() *SchemaManager {
	return &SchemaManager{
		constraints: make(map[[2]string]struct{}),
		reserved:    make(map[uniqueKey]reservation),
	}
}

// EnsureUnique registers a uniqueness constraint. Idempotent.
func (s *SchemaManager) EnsureUnique(label, property string) {
	s.mu.Lock()
	s.constraints[[2]string{label, property}] = struct{}{}
	s.mu.Unlock()
}

// HasUnique reports whether a constraint covers the pair.
func (s *SchemaManager) HasUnique(label, property string) bool {
	s.mu.Lock()
	_, ok := s.constraints[[2]string{label, property}]
	s.mu.Unlock()
	return ok
}

// Reserve arbitrates creation of a unique value.
//
// committed is consulted under the schema lock so a value committed after
// the caller's snapshot was taken is still seen; it must read the engine's
// latest committed unique index. alloc assigns a fresh NodeID and is invoked
// only when the caller becomes the owner.
//
// Returns the converged NodeID and whether the calling transaction is the
// owner (the one that allocated it). Owner or not, the caller buffers a
// node write for the ID; the flag only feeds get-or-create's created
// result.
func (s *SchemaManager) Reserve(key uniqueKey, txToken uint64, committed func() (NodeID, bool), alloc func() (NodeID, error)) (NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.reserved[key]; ok {
		return r.id, r.owner == txToken, nil
	}
	if id, ok := committed(); ok {
		return id, false, nil
	}

	id, err := alloc()
	if err != nil {
		return 0, false, err
	}
	s.reserved[key] = reservation{id: id, owner: txToken}
	return id, true, nil
}

// ReleaseTx drops every reservation owned by the transaction. Called after
// a successful commit (the committed index is authoritative from then on)
// and on discard (the first racer to commit creates the node instead).
func (s *SchemaManager) ReleaseTx(txToken uint64) {
	s.mu.Lock()
	for key, r := range s.reserved {
		if r.owner == txToken {
			delete(s.reserved, key)
		}
	}
	s.mu.Unlock()
}
