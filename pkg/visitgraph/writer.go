package visitgraph

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/visitgraph/pkg/storage"
)

// ============================================================================
// BATCH WRITER
// ============================================================================
// BatchWriter drains the intent queue on a fixed period and applies the
// drained intents in chunked transactions. Each chunk commits independently;
// a committed chunk stays committed even if a later chunk in the same run
// fails. A chunk-level commit failure aborts the remainder of the run — the
// intents still in hand are counted failed and the writer waits for the next
// tick rather than retrying against a store that just refused a commit.
//
// Per-intent failures (stale node IDs, malformed intents) are logged and
// skipped; they never poison the chunk they ride in.
// ============================================================================

// flushStats is a point-in-time snapshot of writer activity.
type flushStats struct {
	Runs            int64
	IntentsApplied  int64
	IntentsFailed   int64
	ChunksCommitted int64
	ChunksFailed    int64
}

// BatchWriter owns the write-behind path: enqueue on one side, periodic
// chunked flush on the other.
type BatchWriter struct {
	engine    storage.Engine
	users     *resolver
	sites     *resolver
	queue     *intentQueue
	interval  time.Duration
	chunkSize int

	stopChan chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool

	// flushMu serializes flush runs so a Stop-triggered final flush cannot
	// interleave with a ticker-triggered one.
	flushMu sync.Mutex

	runs            atomic.Int64
	intentsApplied  atomic.Int64
	intentsFailed   atomic.Int64
	chunksCommitted atomic.Int64
	chunksFailed    atomic.Int64
}

func newBatchWriter(engine storage.Engine, users, sites *resolver, queue *intentQueue, interval time.Duration, chunkSize int) *BatchWriter {
	if interval <= 0 {
		interval = time.Second
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return &BatchWriter{
		engine:    engine,
		users:     users,
		sites:     sites,
		queue:     queue,
		interval:  interval,
		chunkSize: chunkSize,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the flush loop: one run immediately, then one per
// interval. Safe to call once; subsequent calls are no-ops.
func (w *BatchWriter) Start() {
	w.startMu.Lock()
	defer w.startMu.Unlock()
	if w.started {
		return
	}
	w.started = true

	// One run immediately, then one per tick: intents queued before the
	// writer started must not wait out a full interval. Running it before
	// the loop spawns also means callers of Start observe the first drain
	// completed.
	if err := w.FlushOnce(); err != nil {
		log.Printf("visitgraph: flush: %v", err)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.FlushOnce(); err != nil {
					log.Printf("visitgraph: flush: %v", err)
				}
			case <-w.stopChan:
				return
			}
		}
	}()
}

// Stop halts the flush loop and performs one final drain so intents accepted
// before Stop are not stranded in the queue.
func (w *BatchWriter) Stop() error {
	w.startMu.Lock()
	if !w.started {
		w.startMu.Unlock()
		return nil
	}
	w.started = false
	close(w.stopChan)
	w.startMu.Unlock()

	w.wg.Wait()
	return w.FlushOnce()
}

// FlushOnce drains the queue and applies everything drained, committing
// every chunkSize intents. Returns the first chunk-level failure, if any.
func (w *BatchWriter) FlushOnce() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	intents := w.queue.DrainAll()
	if len(intents) == 0 {
		return nil
	}
	w.runs.Add(1)

	tx, err := w.engine.Begin(true)
	if err != nil {
		w.intentsFailed.Add(int64(len(intents)))
		w.chunksFailed.Add(1)
		return fmt.Errorf("begin flush tx: %w", err)
	}

	pending := &pendingInserts{}
	inChunk, appliedInChunk := 0, 0
	for i, intent := range intents {
		if err := w.applyIntent(tx, intent, pending); err != nil {
			w.intentsFailed.Add(1)
			log.Printf("visitgraph: intent %s dropped: %v", intent.Action, err)
		} else {
			w.intentsApplied.Add(1)
			appliedInChunk++
		}
		inChunk++

		if inChunk < w.chunkSize {
			continue
		}
		if err := tx.Commit(); err != nil {
			pending.discard()
			w.failRemainder(len(intents)-i-1, appliedInChunk, err)
			return fmt.Errorf("commit flush chunk: %w", err)
		}
		w.chunksCommitted.Add(1)
		pending.commit()
		inChunk, appliedInChunk = 0, 0

		tx, err = w.engine.Begin(true)
		if err != nil {
			w.failRemainder(len(intents)-i-1, 0, err)
			return fmt.Errorf("begin flush tx: %w", err)
		}
	}

	if inChunk == 0 {
		tx.Discard()
		return nil
	}
	if err := tx.Commit(); err != nil {
		pending.discard()
		w.failRemainder(0, appliedInChunk, err)
		return fmt.Errorf("commit flush chunk: %w", err)
	}
	w.chunksCommitted.Add(1)
	pending.commit()
	return nil
}

// failRemainder accounts for a chunk-level failure: the intents whose
// writes were just rolled back plus everything not yet attempted. Applied
// counts for the rolled-back chunk are walked back so the totals reflect
// durable state only.
func (w *BatchWriter) failRemainder(remaining, rolledBack int, err error) {
	w.chunksFailed.Add(1)
	w.intentsApplied.Add(int64(-rolledBack))
	w.intentsFailed.Add(int64(rolledBack + remaining))
	log.Printf("visitgraph: flush aborted, %d intents dropped: %v", rolledBack+remaining, err)
}

// applyIntent executes one intent inside tx. The action tag says which
// endpoints were already resolved at classification time; anything
// unresolved is resolved (and created if needed) here.
func (w *BatchWriter) applyIntent(tx storage.Tx, intent Intent, pending *pendingInserts) error {
	if err := intent.validate(); err != nil {
		return err
	}

	userNode := intent.UserNode
	siteNode := intent.SiteNode
	var err error

	switch intent.Action {
	case ActionCreateUser:
		userNode, err = w.users.resolve(tx, intent.UserID, pending)
	case ActionCreateSite:
		siteNode, err = w.sites.resolve(tx, intent.URL, pending)
	case ActionCreateBoth:
		userNode, err = w.users.resolve(tx, intent.UserID, pending)
		if err == nil {
			siteNode, err = w.sites.resolve(tx, intent.URL, pending)
		}
	case ActionCreateVisited:
		// Both endpoints resolved at classification time.
	default:
		return fmt.Errorf("unknown action %d", intent.Action)
	}
	if err != nil {
		return err
	}

	return mergeVisit(tx, userNode, siteNode, intent.ObservedAt)
}

// Stats returns a snapshot of the writer's counters.
func (w *BatchWriter) Stats() flushStats {
	return flushStats{
		Runs:            w.runs.Load(),
		IntentsApplied:  w.intentsApplied.Load(),
		IntentsFailed:   w.intentsFailed.Load(),
		ChunksCommitted: w.chunksCommitted.Load(),
		ChunksFailed:    w.chunksFailed.Load(),
	}
}
