package visitgraph

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/visitgraph/pkg/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(storage.NewMemoryEngine(), &Options{
		UserCacheSize: 1000,
		SiteCacheSize: 1000,
		FlushInterval: time.Hour, // flushes driven explicitly by tests
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordVisitValidation(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now()

	assert.ErrorIs(t, db.RecordVisit(ctx, "", "https://a.example", now), ErrEmptyUserID)
	assert.ErrorIs(t, db.RecordVisit(ctx, "alice", "", now), ErrEmptyURL)
	assert.ErrorIs(t, db.RecordVisitAsync(ctx, "", "https://a.example", now), ErrEmptyUserID)
	assert.ErrorIs(t, db.RecordVisitAsync(ctx, "alice", "", now), ErrEmptyURL)
}

func TestRecordVisitSync(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, db.RecordVisit(ctx, "alice", "https://a.example", at))

	// Durable immediately: no flush needed.
	visits, err := db.VisitedSites(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, "https://a.example", visits[0].URL)
	assert.Equal(t, TruncateToMinute(at).UnixMilli(), visits[0].LastVisited)
}

func TestRecordVisitAsyncAppliesOnFlush(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, db.RecordVisitAsync(ctx, "alice", "https://a.example", at))

	// Not visible before the flush.
	_, err := db.VisitedSites(ctx, "alice", 1)
	assert.ErrorIs(t, err, ErrUserNotFound)

	require.NoError(t, db.Flush())

	visits, err := db.VisitedSites(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, "https://a.example", visits[0].URL)
}

func TestVisitedSitesUnknownUser(t *testing.T) {
	db := openTestDB(t)
	_, err := db.VisitedSites(context.Background(), "nobody", 1)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestVisitedSitesWindowAndOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.RecordVisit(ctx, "alice", "https://old.example", now.AddDate(0, 0, -10)))
	require.NoError(t, db.RecordVisit(ctx, "alice", "https://recent.example", now.Add(-2*time.Hour)))
	require.NoError(t, db.RecordVisit(ctx, "alice", "https://fresh.example", now.Add(-5*time.Minute)))

	t.Run("default window excludes old visits", func(t *testing.T) {
		visits, err := db.VisitedSites(ctx, "alice", 1)
		require.NoError(t, err)
		require.Len(t, visits, 2)
		assert.Equal(t, "https://fresh.example", visits[0].URL, "most recent first")
		assert.Equal(t, "https://recent.example", visits[1].URL)
	})

	t.Run("wider window includes everything", func(t *testing.T) {
		visits, err := db.VisitedSites(ctx, "alice", 30)
		require.NoError(t, err)
		assert.Len(t, visits, 3)
	})

	t.Run("known user with nothing in window", func(t *testing.T) {
		require.NoError(t, db.RecordVisit(ctx, "bob", "https://old.example", now.AddDate(0, 0, -10)))
		visits, err := db.VisitedSites(ctx, "bob", 1)
		require.NoError(t, err)
		assert.Empty(t, visits)
	})
}

func TestAsyncClassification(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	// Seed alice and one site synchronously, so they are known.
	require.NoError(t, db.RecordVisit(ctx, "alice", "https://known.example", at))

	// Both known: resolved endpoints travel in the intent.
	require.NoError(t, db.RecordVisitAsync(ctx, "alice", "https://known.example", at.Add(time.Minute)))
	// User known, site new.
	require.NoError(t, db.RecordVisitAsync(ctx, "alice", "https://new.example", at))
	// Site known, user new.
	require.NoError(t, db.RecordVisitAsync(ctx, "bob", "https://known.example", at))
	// Neither known.
	require.NoError(t, db.RecordVisitAsync(ctx, "carol", "https://other.example", at))

	require.NoError(t, db.Flush())

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.IntentsApplied)
	assert.Equal(t, int64(0), stats.IntentsFailed)
	// alice, bob, carol + known/new/other sites.
	assert.Equal(t, int64(6), stats.Nodes)
	assert.Equal(t, int64(4), stats.Edges)

	visits, err := db.VisitedSites(ctx, "alice", 3000)
	require.NoError(t, err)
	assert.Len(t, visits, 2)
}

// A first-contact event followed by a repeat visit one minute later must
// coalesce onto a single edge carrying both minute buckets.
func TestAsyncRepeatVisitCoalesces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Now().UTC().Add(-10 * time.Minute)

	// Neither entity known yet: classified CreateBoth.
	require.NoError(t, db.RecordVisitAsync(ctx, "alice", "https://a.example", at))
	require.NoError(t, db.Flush())

	// Both now cached: classified CreateVisited.
	require.NoError(t, db.RecordVisitAsync(ctx, "alice", "https://a.example", at.Add(time.Minute)))
	require.NoError(t, db.Flush())

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Nodes, "one user and one site")
	assert.Equal(t, int64(1), stats.Edges, "a single coalesced edge")

	visits, err := db.VisitedSites(ctx, "alice", 1)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, TruncateToMinute(at.Add(time.Minute)).UnixMilli(), visits[0].LastVisited)

	// The edge history holds both minute buckets.
	tx, err := db.engine.Begin(false)
	require.NoError(t, err)
	defer tx.Discard()
	userNode, ok, err := db.users.lookup(tx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	edges, err := tx.OutgoingEdges(userNode, VisitedType)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, []int64{
		TruncateToMinute(at).UnixMilli(),
		TruncateToMinute(at.Add(time.Minute)).UnixMilli(),
	}, visitList(edges[0].Properties[VisitedList]))
}

func TestInvalidateCachesKeepsIdentities(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordVisit(ctx, "alice", "https://a.example", at))
	before, err := db.Stats()
	require.NoError(t, err)

	db.InvalidateCaches()
	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UserCache.Len)
	assert.Equal(t, 0, stats.SiteCache.Len)

	// Resolution falls back to the store index: same node, no duplicate.
	require.NoError(t, db.RecordVisit(ctx, "alice", "https://a.example", at.Add(time.Minute)))
	after, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.Nodes, after.Nodes)
	assert.Equal(t, before.Edges, after.Edges)
}

func TestWarmCaches(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, db.RecordVisit(ctx, "alice", "https://a.example", at))
	require.NoError(t, db.RecordVisit(ctx, "bob", "https://b.example", at))
	db.InvalidateCaches()

	users, sites, err := db.WarmCaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, users)
	assert.Equal(t, 2, sites)

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.UserCache.Len)
	assert.Equal(t, 2, stats.SiteCache.Len)
}

func TestDBClose(t *testing.T) {
	db, err := Open(storage.NewMemoryEngine(), &Options{
		UserCacheSize: 100,
		SiteCacheSize: 100,
		FlushInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx := context.Background()
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	// Queued but not yet flushed; Close must drain it before shutting down.
	require.NoError(t, db.RecordVisitAsync(ctx, "alice", "https://a.example", at))

	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "second close is a no-op")

	// The final drain ran after producers were cut off, so the intent
	// accepted before Close was applied rather than stranded.
	assert.Equal(t, int64(1), db.writer.Stats().IntentsApplied)
	assert.Equal(t, 0, db.queue.Len())

	assert.ErrorIs(t, db.RecordVisit(ctx, "alice", "https://a.example", at), ErrClosed)
	assert.ErrorIs(t, db.RecordVisitAsync(ctx, "alice", "https://a.example", at), ErrClosed)
	_, err = db.VisitedSites(ctx, "alice", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDefaultOptions(t *testing.T) {
	var o *Options
	got := o.withDefaults()
	assert.Equal(t, 10_000_000, got.UserCacheSize)
	assert.Equal(t, 100_000, got.SiteCacheSize)
	assert.Equal(t, time.Second, got.FlushInterval)
	assert.Equal(t, 1000, got.FlushChunkSize)
	assert.Equal(t, 0, got.QueueCapacity)
}
