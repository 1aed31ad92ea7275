// Package storage - BadgerEngine provides persistent disk-based storage
// using BadgerDB. It implements the Engine interface with ACID transaction
// support; durability is delegated entirely to Badger.
package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixNode     = byte(0x01) // node:<id8> -> JSON(Node)
	prefixEdge     = byte(0x02) // edge:<id8> -> JSON(Edge)
	prefixLabel    = byte(0x03) // label:<label>0x00<id8> -> empty
	prefixOutgoing = byte(0x04) // outgoing:<start8><edge8> -> empty
	prefixIncoming = byte(0x05) // incoming:<end8><edge8> -> empty
	prefixUnique   = byte(0x06) // unique:<label>0x00<property>0x00<value> -> <id8>
)

var keySequence = []byte("!seq") // outside the prefix space above

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing index: 0x04 + startID + edgeID -> empty
//   - Incoming index: 0x05 + endID + edgeID -> empty
//   - Unique index: 0x06 + label + 0x00 + property + 0x00 + value -> nodeID
//
// Identity allocation uses a Badger sequence, so NodeIDs stay stable and
// unique across restarts.
type BadgerEngine struct {
	db     *badger.DB
	seq    *badger.Sequence
	schema *SchemaManager

	mu       sync.RWMutex // protects closed
	closed   bool
	inMemory bool

	nextTok atomic.Uint64

	// Cached counts for O(1) stats (initialized by a key scan at open,
	// maintained on successful commits).
	nodeCount atomic.Int64
	edgeCount atomic.Int64
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files. Required unless
	// InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences Badger.
	Logger badger.Logger
}

// NewBadgerEngine creates a persistent storage engine with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineWithOptions creates a storage engine with custom settings.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger engine: %w: DataDir is required", ErrInvalidData)
	}

	dir := opts.DataDir
	if opts.InMemory {
		dir = "" // Badger requires an empty dir in memory-only mode
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("badger engine: open: %w", err)
	}

	seq, err := db.GetSequence(keySequence, 128)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("badger engine: sequence: %w", err)
	}

	b := &BadgerEngine{
		db:       db,
		seq:      seq,
		schema:   NewSchemaManager(),
		inMemory: opts.InMemory,
	}

	nodes, err := b.countPrefix(prefixNode)
	if err != nil {
		b.Close()
		return nil, err
	}
	edges, err := b.countPrefix(prefixEdge)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.nodeCount.Store(nodes)
	b.edgeCount.Store(edges)

	return b, nil
}

// IsInMemory returns true if the engine is running in memory-only mode.
func (b *BadgerEngine) IsInMemory() bool {
	return b.inMemory
}

// EnsureUniqueConstraint registers a uniqueness constraint on (label, property).
func (b *BadgerEngine) EnsureUniqueConstraint(label, property string) error {
	if label == "" || property == "" {
		return ErrInvalidData
	}
	b.schema.EnsureUnique(label, property)
	return nil
}

// Begin opens a transaction backed by a Badger transaction.
func (b *BadgerEngine) Begin(writable bool) (Tx, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	return &badgerTx{
		engine:   b,
		txn:      b.db.NewTransaction(writable),
		token:    b.nextTok.Add(1),
		writable: writable,
	}, nil
}

// NodeCount returns the committed node total.
func (b *BadgerEngine) NodeCount() (int64, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}
	return b.nodeCount.Load(), nil
}

// EdgeCount returns the committed edge total.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	if err := b.ensureOpen(); err != nil {
		return 0, err
	}
	return b.edgeCount.Load(), nil
}

// Close releases the ID sequence and closes the underlying BadgerDB.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if b.seq != nil {
		b.seq.Release()
	}
	return b.db.Close()
}

func (b *BadgerEngine) ensureOpen() error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	return nil
}

// allocID returns a fresh identity. Badger sequences start at zero, so the
// raw value is shifted by one to keep zero as the "unresolved" sentinel.
func (b *BadgerEngine) allocID() (NodeID, error) {
	v, err := b.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("badger engine: allocate ID: %w", err)
	}
	return NodeID(v + 1), nil
}

// committedUnique reads the latest committed unique index entry, outside any
// caller transaction snapshot. Used as the Reserve callback.
func (b *BadgerEngine) committedUnique(key uniqueKey) (NodeID, bool) {
	var id NodeID
	found := false
	_ = b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(uniqueIndexKey(key))
		if err != nil {
			return nil
		}
		return item.Value(func(val []byte) error {
			id = nodeIDFromBytes(val)
			found = true
			return nil
		})
	})
	return id, found
}

func (b *BadgerEngine) countPrefix(prefix byte) (int64, error) {
	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger engine: count scan: %w", err)
	}
	return count, nil
}

// =============================================================================
// Key encoding
// =============================================================================

func nodeIDBytes(id NodeID) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func nodeIDFromBytes(b []byte) NodeID {
	if len(b) != 8 {
		return 0
	}
	return NodeID(binary.BigEndian.Uint64(b))
}

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, nodeIDBytes(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, nodeIDBytes(NodeID(id))...)
}

func labelKey(label string, id NodeID) []byte {
	key := make([]byte, 0, 1+len(label)+1+8)
	key = append(key, prefixLabel)
	key = append(key, label...)
	key = append(key, 0x00)
	return append(key, nodeIDBytes(id)...)
}

func labelPrefix(label string) []byte {
	key := make([]byte, 0, 1+len(label)+1)
	key = append(key, prefixLabel)
	key = append(key, label...)
	return append(key, 0x00)
}

func outgoingKey(start NodeID, edge EdgeID) []byte {
	key := make([]byte, 0, 17)
	key = append(key, prefixOutgoing)
	key = append(key, nodeIDBytes(start)...)
	return append(key, nodeIDBytes(NodeID(edge))...)
}

func outgoingPrefix(start NodeID) []byte {
	return append([]byte{prefixOutgoing}, nodeIDBytes(start)...)
}

func incomingKey(end NodeID, edge EdgeID) []byte {
	key := make([]byte, 0, 17)
	key = append(key, prefixIncoming)
	key = append(key, nodeIDBytes(end)...)
	return append(key, nodeIDBytes(NodeID(edge))...)
}

func uniqueIndexKey(key uniqueKey) []byte {
	out := make([]byte, 0, 1+len(key.Label)+1+len(key.Property)+1+len(key.Value))
	out = append(out, prefixUnique)
	out = append(out, key.Label...)
	out = append(out, 0x00)
	out = append(out, key.Property...)
	out = append(out, 0x00)
	return append(out, key.Value...)
}

// =============================================================================
// Transactions
// =============================================================================

// badgerTx wraps a badger.Txn. Badger already gives reads in a transaction
// visibility of that transaction's own buffered writes.
type badgerTx struct {
	engine   *BadgerEngine
	txn      *badger.Txn
	token    uint64
	writable bool
	done     bool

	createdNodes int64
	createdEdges int64
}

func (tx *badgerTx) GetNode(id NodeID) (*Node, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if id == 0 {
		return nil, ErrInvalidID
	}

	item, err := tx.txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}

	node := &Node{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, node)
	})
	if err != nil {
		return nil, fmt.Errorf("decode node %d: %w", id, err)
	}
	return node, nil
}

func (tx *badgerTx) FindNodeByProperty(label, property, value string) (*Node, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if !tx.engine.schema.HasUnique(label, property) {
		return nil, ErrNoUniqueConstraint
	}

	item, err := tx.txn.Get(uniqueIndexKey(uniqueKey{Label: label, Property: property, Value: value}))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("unique index lookup: %w", err)
	}

	var id NodeID
	err = item.Value(func(val []byte) error {
		id = nodeIDFromBytes(val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tx.GetNode(id)
}

func (tx *badgerTx) GetOrCreateNode(label, property, value string) (*Node, bool, error) {
	if tx.done {
		return nil, false, ErrTxClosed
	}
	if !tx.writable {
		return nil, false, ErrTxReadOnly
	}

	// Covers values committed before our snapshot and values created earlier
	// in this transaction (Badger reads see our own writes).
	node, err := tx.FindNodeByProperty(label, property, value)
	if err == nil {
		return node, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	key := uniqueKey{Label: label, Property: property, Value: value}
	id, owner, err := tx.engine.schema.Reserve(key, tx.token,
		func() (NodeID, bool) { return tx.engine.committedUnique(key) },
		tx.engine.allocID,
	)
	if err != nil {
		return nil, false, err
	}

	// Owner and racers converge on the same ID and each write the node:
	// whichever transaction commits first materializes it, the rest abort
	// with a Badger conflict (they read the unique index key the winner
	// wrote). An owner that discards never strands racer edges on a missing
	// endpoint.
	now := time.Now().UTC()
	created := &Node{
		ID:         id,
		Labels:     []string{label},
		Properties: map[string]any{property: value},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	data, err := json.Marshal(created)
	if err != nil {
		return nil, false, fmt.Errorf("encode node: %w", err)
	}

	if err := tx.txn.Set(nodeKey(id), data); err != nil {
		return nil, false, err
	}
	if err := tx.txn.Set(uniqueIndexKey(key), nodeIDBytes(id)); err != nil {
		return nil, false, err
	}
	if err := tx.txn.Set(labelKey(label, id), nil); err != nil {
		return nil, false, err
	}
	tx.createdNodes++
	return created, owner, nil
}

func (tx *badgerTx) NodesByLabel(label string, fn func(*Node) error) error {
	if tx.done {
		return ErrTxClosed
	}

	prefix := labelPrefix(label)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().Key()
		if len(k) < len(prefix)+8 {
			continue
		}
		id := nodeIDFromBytes(k[len(k)-8:])
		node, err := tx.GetNode(id)
		if err == ErrNotFound {
			continue // index entry without node, skip
		}
		if err != nil {
			return err
		}
		if err := fn(node); err != nil {
			return err
		}
	}
	return nil
}

// nodeVisible reports whether an edge endpoint can be accepted: the node
// must be readable in this transaction (committed before our snapshot or
// written by us — a reserved ID obtained through GetOrCreateNode is always
// also written by us). IDs merely reserved by another transaction are not
// accepted; their reserver may never commit.
func (tx *badgerTx) nodeVisible(id NodeID) bool {
	_, err := tx.txn.Get(nodeKey(id))
	return err == nil
}

func (tx *badgerTx) CreateEdge(start, end NodeID, edgeType string, props map[string]any) (*Edge, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if !tx.writable {
		return nil, ErrTxReadOnly
	}
	if start == 0 || end == 0 {
		return nil, ErrInvalidID
	}
	if edgeType == "" {
		return nil, ErrInvalidData
	}
	if !tx.nodeVisible(start) || !tx.nodeVisible(end) {
		return nil, ErrNotFound
	}

	rawID, err := tx.engine.allocID()
	if err != nil {
		return nil, err
	}
	id := EdgeID(rawID)

	now := time.Now().UTC()
	edge := &Edge{
		ID:        id,
		StartNode: start,
		EndNode:   end,
		Type:      edgeType,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if props != nil {
		edge.Properties = make(map[string]any, len(props))
		for k, v := range props {
			edge.Properties[k] = v
		}
	}

	data, err := json.Marshal(edge)
	if err != nil {
		return nil, fmt.Errorf("encode edge: %w", err)
	}
	if err := tx.txn.Set(edgeKey(id), data); err != nil {
		return nil, err
	}
	if err := tx.txn.Set(outgoingKey(start, id), nil); err != nil {
		return nil, err
	}
	if err := tx.txn.Set(incomingKey(end, id), nil); err != nil {
		return nil, err
	}
	tx.createdEdges++
	return copyEdge(edge), nil
}

func (tx *badgerTx) getEdge(id EdgeID) (*Edge, error) {
	item, err := tx.txn.Get(edgeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get edge: %w", err)
	}
	edge := &Edge{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, edge)
	})
	if err != nil {
		return nil, fmt.Errorf("decode edge %d: %w", id, err)
	}
	return edge, nil
}

func (tx *badgerTx) UpdateEdge(edge *Edge) error {
	if tx.done {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxReadOnly
	}
	if edge == nil {
		return ErrInvalidData
	}
	if edge.ID == 0 {
		return ErrInvalidID
	}

	existing, err := tx.getEdge(edge.ID)
	if err != nil {
		return err
	}

	updated := copyEdge(edge)
	updated.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("encode edge: %w", err)
	}
	if err := tx.txn.Set(edgeKey(updated.ID), data); err != nil {
		return err
	}

	// Maintain adjacency indexes if an endpoint moved.
	if existing.StartNode != updated.StartNode {
		if err := tx.txn.Delete(outgoingKey(existing.StartNode, updated.ID)); err != nil {
			return err
		}
		if err := tx.txn.Set(outgoingKey(updated.StartNode, updated.ID), nil); err != nil {
			return err
		}
	}
	if existing.EndNode != updated.EndNode {
		if err := tx.txn.Delete(incomingKey(existing.EndNode, updated.ID)); err != nil {
			return err
		}
		if err := tx.txn.Set(incomingKey(updated.EndNode, updated.ID), nil); err != nil {
			return err
		}
	}
	return nil
}

func (tx *badgerTx) GetEdgeBetween(start, end NodeID, edgeType string) (*Edge, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if start == 0 || end == 0 {
		return nil, ErrInvalidID
	}

	var found *Edge
	err := tx.scanOutgoing(start, func(edge *Edge) error {
		if edge.EndNode == end && (edgeType == "" || edge.Type == edgeType) {
			found = edge
			return errStopIteration
		}
		return nil
	})
	if err != nil && err != errStopIteration {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (tx *badgerTx) OutgoingEdges(start NodeID, edgeType string) ([]*Edge, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if start == 0 {
		return nil, ErrInvalidID
	}

	edges := make([]*Edge, 0)
	err := tx.scanOutgoing(start, func(edge *Edge) error {
		if edgeType == "" || edge.Type == edgeType {
			edges = append(edges, edge)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

var errStopIteration = fmt.Errorf("stop iteration")

func (tx *badgerTx) scanOutgoing(start NodeID, fn func(*Edge) error) error {
	prefix := outgoingPrefix(start)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		k := it.Item().Key()
		if !bytes.HasPrefix(k, prefix) || len(k) < len(prefix)+8 {
			continue
		}
		id := EdgeID(nodeIDFromBytes(k[len(k)-8:]))
		edge, err := tx.getEdge(id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(edge); err != nil {
			return err
		}
	}
	return nil
}

// Commit commits the underlying Badger transaction. A conflict detected by
// Badger (concurrent transactions touching the same keys) surfaces here as
// an error and the transaction's writes are lost, which callers treat as a
// chunk-level failure.
func (tx *badgerTx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	defer tx.engine.schema.ReleaseTx(tx.token)

	if !tx.writable {
		tx.txn.Discard()
		return nil
	}

	if err := tx.txn.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	tx.engine.nodeCount.Add(tx.createdNodes)
	tx.engine.edgeCount.Add(tx.createdEdges)
	return nil
}

// Discard releases the transaction without committing. Safe to call after
// Commit.
func (tx *badgerTx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	tx.txn.Discard()
	tx.engine.schema.ReleaseTx(tx.token)
}

// Verify interface compliance.
var (
	_ Engine = (*BadgerEngine)(nil)
	_ Tx     = (*badgerTx)(nil)
)
