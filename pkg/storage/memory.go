// Package storage - MemoryEngine is a thread-safe in-memory engine for
// testing and small datasets.
package storage

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemoryEngine is an in-memory implementation of Engine.
// It's useful for:
// - Unit testing (no disk I/O)
// - Small datasets that fit in RAM
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes for efficient lookups
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}
	uniqueIndex   map[uniqueKey]NodeID

	schema *SchemaManager

	nextID  atomic.Uint64
	nextTok atomic.Uint64

	closed bool
}

// NewMemoryEngine creates a new in-memory storage engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
		uniqueIndex:   make(map[uniqueKey]NodeID),
		schema:        NewSchemaManager(),
	}
}

// EnsureUniqueConstraint registers a uniqueness constraint on (label, property).
func (m *MemoryEngine) EnsureUniqueConstraint(label, property string) error {
	if label == "" || property == "" {
		return ErrInvalidData
	}
	m.schema.EnsureUnique(label, property)
	return nil
}

// Begin opens a transaction.
func (m *MemoryEngine) Begin(writable bool) (Tx, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrStorageClosed
	}

	return &memTx{
		engine:       m,
		token:        m.nextTok.Add(1),
		writable:     writable,
		newNodes:     make(map[NodeID]*Node),
		newNodeKeys:  make(map[NodeID]uniqueKey),
		uniqueWrites: make(map[uniqueKey]NodeID),
		newEdges:     make(map[EdgeID]*Edge),
		dirtyEdges:   make(map[EdgeID]*Edge),
	}, nil
}

// NodeCount returns the number of committed nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of committed edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close closes the storage engine.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodesByLabel = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	m.uniqueIndex = nil

	return nil
}

func (m *MemoryEngine) allocID() (NodeID, error) {
	return NodeID(m.nextID.Add(1)), nil
}

// committedUnique reads the committed unique index. Used as the Reserve
// callback, so it must not be called with m.mu already held.
func (m *MemoryEngine) committedUnique(key uniqueKey) (NodeID, bool) {
	m.mu.RLock()
	id, ok := m.uniqueIndex[key]
	m.mu.RUnlock()
	return id, ok
}

// =============================================================================
// Transactions
// =============================================================================

// memTx buffers writes until Commit. Buffered writes are visible to later
// reads in the same transaction.
type memTx struct {
	engine   *MemoryEngine
	token    uint64
	writable bool
	done     bool

	newNodes     map[NodeID]*Node
	newNodeOrder []NodeID
	newNodeKeys  map[NodeID]uniqueKey
	uniqueWrites map[uniqueKey]NodeID

	newEdges     map[EdgeID]*Edge
	newEdgeOrder []EdgeID
	dirtyEdges   map[EdgeID]*Edge
}

func (tx *memTx) GetNode(id NodeID) (*Node, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if id == 0 {
		return nil, ErrInvalidID
	}
	if n, ok := tx.newNodes[id]; ok {
		return copyNode(n), nil
	}

	tx.engine.mu.RLock()
	defer tx.engine.mu.RUnlock()
	if tx.engine.closed {
		return nil, ErrStorageClosed
	}
	n, ok := tx.engine.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(n), nil
}

func (tx *memTx) FindNodeByProperty(label, property, value string) (*Node, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if !tx.engine.schema.HasUnique(label, property) {
		return nil, ErrNoUniqueConstraint
	}

	key := uniqueKey{Label: label, Property: property, Value: value}
	if id, ok := tx.uniqueWrites[key]; ok {
		return copyNode(tx.newNodes[id]), nil
	}

	tx.engine.mu.RLock()
	defer tx.engine.mu.RUnlock()
	if tx.engine.closed {
		return nil, ErrStorageClosed
	}
	id, ok := tx.engine.uniqueIndex[key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyNode(tx.engine.nodes[id]), nil
}

func (tx *memTx) GetOrCreateNode(label, property, value string) (*Node, bool, error) {
	if tx.done {
		return nil, false, ErrTxClosed
	}
	if !tx.writable {
		return nil, false, ErrTxReadOnly
	}
	if !tx.engine.schema.HasUnique(label, property) {
		return nil, false, ErrNoUniqueConstraint
	}

	key := uniqueKey{Label: label, Property: property, Value: value}

	// Already created in this transaction.
	if id, ok := tx.uniqueWrites[key]; ok {
		return copyNode(tx.newNodes[id]), false, nil
	}

	// Already committed.
	if node, err := tx.FindNodeByProperty(label, property, value); err == nil {
		return node, false, nil
	}

	id, owner, err := tx.engine.schema.Reserve(key, tx.token,
		func() (NodeID, bool) { return tx.engine.committedUnique(key) },
		tx.engine.allocID,
	)
	if err != nil {
		return nil, false, err
	}

	// Owner and racers converge on the same ID and each buffer the node
	// write for it; whichever commits first materializes the node (Commit
	// skips the apply when it already exists). An owner that discards never
	// strands racer edges on a missing endpoint.
	now := time.Now().UTC()
	node := &Node{
		ID:         id,
		Labels:     []string{label},
		Properties: map[string]any{property: value},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx.newNodes[id] = node
	tx.newNodeOrder = append(tx.newNodeOrder, id)
	tx.newNodeKeys[id] = key
	tx.uniqueWrites[key] = id
	return copyNode(node), owner, nil
}

func (tx *memTx) NodesByLabel(label string, fn func(*Node) error) error {
	if tx.done {
		return ErrTxClosed
	}

	// Copy under lock, invoke callbacks after releasing it.
	tx.engine.mu.RLock()
	if tx.engine.closed {
		tx.engine.mu.RUnlock()
		return ErrStorageClosed
	}
	nodes := make([]*Node, 0, len(tx.engine.nodesByLabel[label]))
	for id := range tx.engine.nodesByLabel[label] {
		if n := tx.engine.nodes[id]; n != nil {
			nodes = append(nodes, copyNode(n))
		}
	}
	tx.engine.mu.RUnlock()

	for _, id := range tx.newNodeOrder {
		n := tx.newNodes[id]
		for _, l := range n.Labels {
			if l == label {
				nodes = append(nodes, copyNode(n))
				break
			}
		}
	}

	for _, n := range nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// nodeVisible reports whether an endpoint exists from this transaction's
// point of view: buffered in this tx or committed. A reserved ID obtained
// through GetOrCreateNode is always also buffered here, so no separate
// reservation check is needed — or safe, since a reservation held by
// another transaction may never commit.
func (tx *memTx) nodeVisible(id NodeID) bool {
	if _, ok := tx.newNodes[id]; ok {
		return true
	}
	tx.engine.mu.RLock()
	defer tx.engine.mu.RUnlock()
	_, committed := tx.engine.nodes[id]
	return committed
}

func (tx *memTx) CreateEdge(start, end NodeID, edgeType string, props map[string]any) (*Edge, error) {
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

	id, err := tx.engine.allocID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	edge := &Edge{
		ID:        EdgeID(id),
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
	tx.newEdges[edge.ID] = edge
	tx.newEdgeOrder = append(tx.newEdgeOrder, edge.ID)
	return copyEdge(edge), nil
}

func (tx *memTx) UpdateEdge(edge *Edge) error {
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

	if _, ok := tx.newEdges[edge.ID]; ok {
		buffered := copyEdge(edge)
		buffered.UpdatedAt = time.Now().UTC()
		tx.newEdges[edge.ID] = buffered
		return nil
	}

	tx.engine.mu.RLock()
	_, exists := tx.engine.edges[edge.ID]
	closed := tx.engine.closed
	tx.engine.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	if !exists {
		return ErrNotFound
	}

	buffered := copyEdge(edge)
	buffered.UpdatedAt = time.Now().UTC()
	tx.dirtyEdges[edge.ID] = buffered
	return nil
}

func (tx *memTx) GetEdgeBetween(start, end NodeID, edgeType string) (*Edge, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if start == 0 || end == 0 {
		return nil, ErrInvalidID
	}

	matches := func(e *Edge) bool {
		return e.StartNode == start && e.EndNode == end &&
			(edgeType == "" || e.Type == edgeType)
	}

	// Buffered writes first: in-transaction reads see in-transaction writes.
	for _, e := range tx.dirtyEdges {
		if matches(e) {
			return copyEdge(e), nil
		}
	}
	for _, id := range tx.newEdgeOrder {
		if e := tx.newEdges[id]; matches(e) {
			return copyEdge(e), nil
		}
	}

	tx.engine.mu.RLock()
	defer tx.engine.mu.RUnlock()
	if tx.engine.closed {
		return nil, ErrStorageClosed
	}
	for id := range tx.engine.outgoingEdges[start] {
		if _, dirty := tx.dirtyEdges[id]; dirty {
			continue // already checked above
		}
		if e := tx.engine.edges[id]; e != nil && matches(e) {
			return copyEdge(e), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) OutgoingEdges(start NodeID, edgeType string) ([]*Edge, error) {
	if tx.done {
		return nil, ErrTxClosed
	}
	if start == 0 {
		return nil, ErrInvalidID
	}

	matches := func(e *Edge) bool {
		return e.StartNode == start && (edgeType == "" || e.Type == edgeType)
	}

	edges := make([]*Edge, 0)

	tx.engine.mu.RLock()
	if tx.engine.closed {
		tx.engine.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	for id := range tx.engine.outgoingEdges[start] {
		if dirty, ok := tx.dirtyEdges[id]; ok {
			if matches(dirty) {
				edges = append(edges, copyEdge(dirty))
			}
			continue
		}
		if e := tx.engine.edges[id]; e != nil && matches(e) {
			edges = append(edges, copyEdge(e))
		}
	}
	tx.engine.mu.RUnlock()

	for _, id := range tx.newEdgeOrder {
		if e := tx.newEdges[id]; matches(e) {
			edges = append(edges, copyEdge(e))
		}
	}
	return edges, nil
}

// Commit applies buffered writes atomically. Writes are applied in a fixed
// order: nodes, then new edges, then edge updates.
func (tx *memTx) Commit() error {
	if tx.done {
		return ErrTxClosed
	}
	tx.done = true
	defer tx.engine.schema.ReleaseTx(tx.token)

	if !tx.writable {
		return nil
	}

	m := tx.engine
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	// Re-check uniqueness and remap identities that lost a race to a
	// transaction that committed after our snapshot. The remapped ID is then
	// substituted into this transaction's buffered edges.
	remap := make(map[NodeID]NodeID)
	for _, id := range tx.newNodeOrder {
		key := tx.newNodeKeys[id]
		if existing, ok := m.uniqueIndex[key]; ok && existing != id {
			remap[id] = existing
		}
	}

	// Validate everything before applying anything: Commit is all-or-nothing.
	// An endpoint must be committed or buffered in this transaction; IDs
	// merely reserved elsewhere are not accepted, their reserver may never
	// commit.
	resolveEndpoint := func(id NodeID) NodeID {
		if to, ok := remap[id]; ok {
			return to
		}
		return id
	}
	for _, id := range tx.newEdgeOrder {
		e := tx.newEdges[id]
		for _, endpoint := range []NodeID{resolveEndpoint(e.StartNode), resolveEndpoint(e.EndNode)} {
			if _, ok := m.nodes[endpoint]; ok {
				continue
			}
			if _, local := tx.newNodes[endpoint]; local {
				if _, lost := remap[endpoint]; !lost {
					continue
				}
			}
			return ErrNotFound
		}
	}
	for id := range tx.dirtyEdges {
		if _, ok := m.edges[id]; !ok {
			return ErrNotFound
		}
	}

	for _, id := range tx.newNodeOrder {
		if _, lost := remap[id]; lost {
			continue
		}
		if _, exists := m.nodes[id]; exists {
			// A transaction that raced us on the same unique value already
			// materialized this node. Keep its row.
			continue
		}
		node := tx.newNodes[id]
		m.nodes[id] = node
		for _, label := range node.Labels {
			if m.nodesByLabel[label] == nil {
				m.nodesByLabel[label] = make(map[NodeID]struct{})
			}
			m.nodesByLabel[label][id] = struct{}{}
		}
		m.uniqueIndex[tx.newNodeKeys[id]] = id
	}

	for _, id := range tx.newEdgeOrder {
		edge := tx.newEdges[id]
		edge.StartNode = resolveEndpoint(edge.StartNode)
		edge.EndNode = resolveEndpoint(edge.EndNode)

		m.edges[edge.ID] = edge
		if m.outgoingEdges[edge.StartNode] == nil {
			m.outgoingEdges[edge.StartNode] = make(map[EdgeID]struct{})
		}
		m.outgoingEdges[edge.StartNode][edge.ID] = struct{}{}
		if m.incomingEdges[edge.EndNode] == nil {
			m.incomingEdges[edge.EndNode] = make(map[EdgeID]struct{})
		}
		m.incomingEdges[edge.EndNode][edge.ID] = struct{}{}
	}

	for id, edge := range tx.dirtyEdges {
		m.edges[id] = edge
	}

	return nil
}

// Discard releases the transaction without applying buffered writes.
// Safe to call after Commit.
func (tx *memTx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	tx.engine.schema.ReleaseTx(tx.token)
}

// Verify interface compliance.
var (
	_ Engine = (*MemoryEngine)(nil)
	_ Tx     = (*memTx)(nil)
)
