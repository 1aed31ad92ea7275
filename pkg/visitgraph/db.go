// Package visitgraph records which users visited which sites, coalescing a
// high-rate event stream into a compact graph: one User node per user, one
// Site node per URL, and at most one VISITED edge per (user, site) pair
// carrying the visit history at minute resolution.
//
// Two ingest paths are offered. RecordVisit applies an event in its own
// transaction and returns once it is durable. RecordVisitAsync classifies
// the event against the identity caches, enqueues a write intent, and
// returns immediately; a background BatchWriter drains the queue on a fixed
// period and applies the intents in chunked transactions.
package visitgraph

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/visitgraph/pkg/cache"
	"github.com/orneryd/visitgraph/pkg/storage"
)

var (
	// ErrUserNotFound is returned by query operations for unknown users.
	ErrUserNotFound = errors.New("visitgraph: user not found")
	// ErrEmptyUserID is returned when an operation receives a blank user ID.
	ErrEmptyUserID = errors.New("visitgraph: empty user id")
	// ErrEmptyURL is returned when an operation receives a blank URL.
	ErrEmptyURL = errors.New("visitgraph: empty url")
	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("visitgraph: database closed")
)

// Options configures a DB. The zero value of any field selects its default.
type Options struct {
	// UserCacheSize bounds the userId -> node identity cache.
	// Defaults to 10,000,000 entries.
	UserCacheSize int

	// SiteCacheSize bounds the url -> node identity cache.
	// Defaults to 100,000 entries.
	SiteCacheSize int

	// QueueCapacity bounds the async intent queue. Zero or negative means
	// unbounded; when bounded, enqueue blocks while the queue is full.
	QueueCapacity int

	// FlushInterval is the period of the background flush. Defaults to 1s.
	FlushInterval time.Duration

	// FlushChunkSize is the number of intents committed per transaction
	// during a flush run. Defaults to 1000.
	FlushChunkSize int
}

func (o *Options) withDefaults() Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.UserCacheSize <= 0 {
		out.UserCacheSize = 10_000_000
	}
	if out.SiteCacheSize <= 0 {
		out.SiteCacheSize = 100_000
	}
	if out.FlushInterval <= 0 {
		out.FlushInterval = time.Second
	}
	if out.FlushChunkSize <= 0 {
		out.FlushChunkSize = 1000
	}
	return out
}

// Stats is a point-in-time snapshot of DB activity.
type Stats struct {
	UserCache cache.Stats `json:"userCache"`
	SiteCache cache.Stats `json:"siteCache"`
	QueueLen  int         `json:"queueLen"`

	FlushRuns       int64 `json:"flushRuns"`
	IntentsApplied  int64 `json:"intentsApplied"`
	IntentsFailed   int64 `json:"intentsFailed"`
	ChunksCommitted int64 `json:"chunksCommitted"`
	ChunksFailed    int64 `json:"chunksFailed"`

	Nodes int64 `json:"nodes"`
	Edges int64 `json:"edges"`
}

// DB is the visit recorder. It owns the identity caches, the intent queue,
// and the background writer; the storage engine is supplied by the caller
// and closed by Close.
type DB struct {
	engine storage.Engine
	users  *resolver
	sites  *resolver
	queue  *intentQueue
	writer *BatchWriter
	closed chan struct{}
}

// Open wires a DB on top of engine, installs the uniqueness constraints the
// recorder depends on, and starts the background flush loop.
func Open(engine storage.Engine, opts *Options) (*DB, error) {
	o := opts.withDefaults()

	if err := engine.EnsureUniqueConstraint(UserLabel, UserKeyProp); err != nil {
		return nil, fmt.Errorf("ensure user constraint: %w", err)
	}
	if err := engine.EnsureUniqueConstraint(SiteLabel, SiteKeyProp); err != nil {
		return nil, fmt.Errorf("ensure site constraint: %w", err)
	}

	userCache, err := cache.NewIdentityCache(o.UserCacheSize)
	if err != nil {
		return nil, fmt.Errorf("user cache: %w", err)
	}
	siteCache, err := cache.NewIdentityCache(o.SiteCacheSize)
	if err != nil {
		return nil, fmt.Errorf("site cache: %w", err)
	}

	db := &DB{
		engine: engine,
		users:  newResolver(UserLabel, UserKeyProp, userCache),
		sites:  newResolver(SiteLabel, SiteKeyProp, siteCache),
		queue:  newIntentQueue(o.QueueCapacity),
		closed: make(chan struct{}),
	}
	db.writer = newBatchWriter(engine, db.users, db.sites, db.queue, o.FlushInterval, o.FlushChunkSize)
	db.writer.Start()
	return db, nil
}

// Close stops the background writer, flushes whatever the queue still
// holds, and closes the underlying engine.
func (db *DB) Close() error {
	select {
	case <-db.closed:
		return nil
	default:
		close(db.closed)
	}

	// Close the queue first so a producer racing this shutdown gets
	// ErrQueueClosed instead of landing an intent after the final drain;
	// everything accepted before this point is flushed by Stop.
	db.queue.Close()
	flushErr := db.writer.Stop()
	if err := db.engine.Close(); err != nil {
		return err
	}
	return flushErr
}

func (db *DB) isClosed() bool {
	select {
	case <-db.closed:
		return true
	default:
		return false
	}
}

// RecordVisit applies one visit event synchronously: both entities are
// resolved (created if needed) and the VISITED edge is merged in a single
// transaction. The event is durable when the call returns.
func (db *DB) RecordVisit(ctx context.Context, userID, url string, observedAt time.Time) error {
	if err := validateVisit(userID, url); err != nil {
		return err
	}
	if db.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := db.engine.Begin(true)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Discard()

	pending := &pendingInserts{}
	userNode, err := db.users.resolve(tx, userID, pending)
	if err != nil {
		return err
	}
	siteNode, err := db.sites.resolve(tx, url, pending)
	if err != nil {
		return err
	}
	if err := mergeVisit(tx, userNode, siteNode, observedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	pending.commit()
	return nil
}

// RecordVisitAsync classifies one visit event against the identity caches
// and the committed index, enqueues a write intent, and returns. The intent
// carries any identities already known, so the flush run only resolves what
// was missing at classification time. When the queue is bounded and full,
// the call blocks until space frees up or the queue closes.
func (db *DB) RecordVisitAsync(ctx context.Context, userID, url string, observedAt time.Time) error {
	if err := validateVisit(userID, url); err != nil {
		return err
	}
	if db.isClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := db.engine.Begin(false)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Discard()

	userNode, userKnown, err := db.users.lookup(tx, userID)
	if err != nil {
		return err
	}
	siteNode, siteKnown, err := db.sites.lookup(tx, url)
	if err != nil {
		return err
	}

	intent := Intent{ObservedAt: observedAt}
	switch {
	case userKnown && siteKnown:
		intent.Action = ActionCreateVisited
		intent.UserNode = userNode
		intent.SiteNode = siteNode
	case userKnown:
		intent.Action = ActionCreateSite
		intent.UserNode = userNode
		intent.URL = url
	case siteKnown:
		intent.Action = ActionCreateUser
		intent.UserID = userID
		intent.SiteNode = siteNode
	default:
		intent.Action = ActionCreateBoth
		intent.UserID = userID
		intent.URL = url
	}

	if err := db.queue.Enqueue(intent); err != nil {
		return err
	}
	return nil
}

// Visit is one (url, lastVisited) pair returned by VisitedSites.
type Visit struct {
	URL         string `json:"url"`
	LastVisited int64  `json:"lastVisited"`
}

// VisitedSites returns the sites the user visited within the trailing
// window of the given number of days, most recently visited first. A
// non-positive days selects the default of 1. Returns ErrUserNotFound for
// unknown users; a known user with no visits in the window yields an empty
// slice.
func (db *DB) VisitedSites(ctx context.Context, userID string, days int) ([]Visit, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	if db.isClosed() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if days <= 0 {
		days = 1
	}

	tx, err := db.engine.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Discard()

	userNode, ok, err := db.users.lookup(tx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserNotFound
	}

	edges, err := tx.OutgoingEdges(userNode, VisitedType)
	if err != nil {
		return nil, fmt.Errorf("visited edges: %w", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days).UnixMilli()
	visits := make([]Visit, 0, len(edges))
	for _, e := range edges {
		last, ok := propMillis(e.Properties[LastVisited])
		if !ok || last < cutoff {
			continue
		}
		site, err := tx.GetNode(e.EndNode)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("site node %d: %w", e.EndNode, err)
		}
		url, _ := site.Properties[SiteKeyProp].(string)
		if url == "" {
			continue
		}
		visits = append(visits, Visit{URL: url, LastVisited: last})
	}

	sort.Slice(visits, func(i, j int) bool {
		if visits[i].LastVisited != visits[j].LastVisited {
			return visits[i].LastVisited > visits[j].LastVisited
		}
		return visits[i].URL < visits[j].URL
	})
	return visits, nil
}

// Flush forces one synchronous flush run, applying everything currently
// queued. Useful for tests and for admin-triggered drains.
func (db *DB) Flush() error {
	if db.isClosed() {
		return ErrClosed
	}
	return db.writer.FlushOnce()
}

// WarmCaches walks the committed User and Site nodes and seeds the identity
// caches, up to each cache's capacity. Returns the number of identities
// loaded per kind.
func (db *DB) WarmCaches(ctx context.Context) (users, sites int, err error) {
	if db.isClosed() {
		return 0, 0, ErrClosed
	}

	tx, err := db.engine.Begin(false)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Discard()

	warm := func(r *resolver, count *int) func(*storage.Node) error {
		return func(n *storage.Node) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key, _ := n.Properties[r.property].(string)
			if key == "" {
				return nil
			}
			r.cache.Insert(key, n.ID)
			*count++
			return nil
		}
	}

	if err := tx.NodesByLabel(UserLabel, warm(db.users, &users)); err != nil {
		return users, sites, fmt.Errorf("warm users: %w", err)
	}
	if err := tx.NodesByLabel(SiteLabel, warm(db.sites, &sites)); err != nil {
		return users, sites, fmt.Errorf("warm sites: %w", err)
	}
	return users, sites, nil
}

// InvalidateCaches drops every entry from both identity caches. Subsequent
// resolutions fall through to the store's unique index.
func (db *DB) InvalidateCaches() {
	db.users.cache.Purge()
	db.sites.cache.Purge()
}

// Stats returns a snapshot of cache, queue, writer, and store counters.
func (db *DB) Stats() (Stats, error) {
	nodes, err := db.engine.NodeCount()
	if err != nil {
		return Stats{}, fmt.Errorf("node count: %w", err)
	}
	edges, err := db.engine.EdgeCount()
	if err != nil {
		return Stats{}, fmt.Errorf("edge count: %w", err)
	}

	fs := db.writer.Stats()
	return Stats{
		UserCache:       db.users.cache.Stats(),
		SiteCache:       db.sites.cache.Stats(),
		QueueLen:        db.queue.Len(),
		FlushRuns:       fs.Runs,
		IntentsApplied:  fs.IntentsApplied,
		IntentsFailed:   fs.IntentsFailed,
		ChunksCommitted: fs.ChunksCommitted,
		ChunksFailed:    fs.ChunksFailed,
		Nodes:           nodes,
		Edges:           edges,
	}, nil
}

func validateVisit(userID, url string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if url == "" {
		return ErrEmptyURL
	}
	return nil
}
