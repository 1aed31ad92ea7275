// Package storage provides the transactional graph store that backs the
// visit graph: labeled nodes with property maps, directed typed edges, and
// unique-constraint-backed get-or-create.
//
// Two engines implement the Engine interface:
//   - MemoryEngine: thread-safe in-memory storage for testing and small datasets
//   - BadgerEngine: persistent disk-based storage using BadgerDB
//
// All mutations happen inside a transaction obtained from Engine.Begin.
// Writes buffered in a transaction are visible to later reads in the same
// transaction and become visible to other transactions only after Commit.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.EnsureUniqueConstraint("User", "userId")
//
//	tx, _ := engine.Begin(true)
//	defer tx.Discard()
//
//	node, created, _ := tx.GetOrCreateNode("User", "userId", "max")
//	fmt.Println(node.ID, created)
//
//	tx.Commit()
package storage

import (
	"errors"
	"time"
)

// Errors returned by storage engines.
var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidID          = errors.New("invalid ID")
	ErrInvalidData        = errors.New("invalid data")
	ErrStorageClosed      = errors.New("storage is closed")
	ErrTxClosed           = errors.New("transaction already committed or discarded")
	ErrTxReadOnly         = errors.New("transaction is read-only")
	ErrNoUniqueConstraint = errors.New("no unique constraint for label/property")
)

// NodeID is an opaque, store-assigned handle to a node, stable for the
// node's lifetime. Zero is never a valid ID and means "unresolved".
type NodeID uint64

// EdgeID is an opaque, store-assigned handle to an edge.
type EdgeID uint64

// Node is a labeled vertex with a free-form property map.
type Node struct {
	ID         NodeID         `json:"id"`
	Labels     []string       `json:"labels"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID         EdgeID         `json:"id"`
	StartNode  NodeID         `json:"start_node"`
	EndNode    NodeID         `json:"end_node"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Engine is the storage engine contract. Implementations must be safe for
// concurrent use; each transaction, however, belongs to a single goroutine.
type Engine interface {
	// Begin opens a transaction. Read-only transactions reject mutations
	// with ErrTxReadOnly.
	Begin(writable bool) (Tx, error)

	// EnsureUniqueConstraint registers a uniqueness constraint on a
	// (label, property) pair. Idempotent. GetOrCreateNode requires one.
	EnsureUniqueConstraint(label, property string) error

	// NodeCount and EdgeCount report committed totals.
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	Close() error
}

// Tx is a single-goroutine transactional view of the store.
//
// GetOrCreateNode is the uniqueness-backed upsert primitive: concurrent
// callers racing to create the same (label, property, value) converge on a
// single NodeID regardless of ordering. The winner's transaction writes the
// node; losers receive the same identity and write nothing.
type Tx interface {
	GetNode(id NodeID) (*Node, error)

	// FindNodeByProperty looks a node up through the unique index for the
	// given (label, property). Returns ErrNotFound when absent and
	// ErrNoUniqueConstraint when no constraint covers the pair.
	FindNodeByProperty(label, property, value string) (*Node, error)

	// GetOrCreateNode finds or creates the node with the given unique
	// property value. The second return reports whether this call created it.
	GetOrCreateNode(label, property, value string) (*Node, bool, error)

	// NodesByLabel streams all committed nodes carrying the label.
	// Iteration stops on the first callback error, which is returned.
	NodesByLabel(label string, fn func(*Node) error) error

	CreateEdge(start, end NodeID, edgeType string, props map[string]any) (*Edge, error)
	UpdateEdge(edge *Edge) error

	// GetEdgeBetween returns the single-hop directed edge of the given type
	// between two nodes, or ErrNotFound.
	GetEdgeBetween(start, end NodeID, edgeType string) (*Edge, error)

	// OutgoingEdges returns edges of the given type starting at the node.
	// Empty edgeType matches all types.
	OutgoingEdges(start NodeID, edgeType string) ([]*Edge, error)

	Commit() error
	Discard()
}

// copyNode returns a deep copy so callers cannot mutate stored state.
func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	copied := &Node{
		ID:        n.ID,
		Labels:    make([]string, len(n.Labels)),
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	copy(copied.Labels, n.Labels)
	if n.Properties != nil {
		copied.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			copied.Properties[k] = v
		}
	}
	return copied
}

// copyEdge returns a deep copy of an edge.
func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	copied := &Edge{
		ID:        e.ID,
		StartNode: e.StartNode,
		EndNode:   e.EndNode,
		Type:      e.Type,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.Properties != nil {
		copied.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			copied.Properties[k] = v
		}
	}
	return copied
}
