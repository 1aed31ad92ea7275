package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// engineFactories lets every behavioral test run against both engines.
var engineFactories = map[string]func(t *testing.T) Engine{
	"memory": func(t *testing.T) Engine {
		return NewMemoryEngine()
	},
	"badger": func(t *testing.T) Engine {
		eng, err := NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
		require.NoError(t, err)
		return eng
	},
}

func forEachEngine(t *testing.T, fn func(t *testing.T, eng Engine)) {
	for name, factory := range engineFactories {
		t.Run(name, func(t *testing.T) {
			eng := factory(t)
			defer eng.Close()
			fn(t, eng)
		})
	}
}

func TestGetOrCreateRequiresConstraint(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		tx, err := eng.Begin(true)
		require.NoError(t, err)
		defer tx.Discard()

		_, _, err = tx.GetOrCreateNode("User", "userId", "alice")
		assert.ErrorIs(t, err, ErrNoUniqueConstraint)
	})
}

func TestGetOrCreateNode(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))

		tx, err := eng.Begin(true)
		require.NoError(t, err)

		node, created, err := tx.GetOrCreateNode("User", "userId", "alice")
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotZero(t, node.ID)
		assert.Equal(t, []string{"User"}, node.Labels)
		assert.Equal(t, "alice", node.Properties["userId"])

		// Same transaction, same value: no second creation.
		again, created, err := tx.GetOrCreateNode("User", "userId", "alice")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, node.ID, again.ID)

		require.NoError(t, tx.Commit())

		// New transaction finds the committed node.
		tx2, err := eng.Begin(true)
		require.NoError(t, err)
		defer tx2.Discard()

		found, created, err := tx2.GetOrCreateNode("User", "userId", "alice")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, node.ID, found.ID)

		count, err := eng.NodeCount()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestFindNodeByProperty(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("Site", "url"))

		tx, err := eng.Begin(true)
		require.NoError(t, err)
		node, _, err := tx.GetOrCreateNode("Site", "url", "https://example.com")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		tx2, err := eng.Begin(false)
		require.NoError(t, err)
		defer tx2.Discard()

		found, err := tx2.FindNodeByProperty("Site", "url", "https://example.com")
		require.NoError(t, err)
		assert.Equal(t, node.ID, found.ID)

		_, err = tx2.FindNodeByProperty("Site", "url", "https://nowhere.invalid")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDiscardDropsWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))

		tx, err := eng.Begin(true)
		require.NoError(t, err)
		_, _, err = tx.GetOrCreateNode("User", "userId", "ghost")
		require.NoError(t, err)
		tx.Discard()

		tx2, err := eng.Begin(false)
		require.NoError(t, err)
		defer tx2.Discard()
		_, err = tx2.FindNodeByProperty("User", "userId", "ghost")
		assert.ErrorIs(t, err, ErrNotFound)

		count, err := eng.NodeCount()
		require.NoError(t, err)
		assert.Equal(t, int64(0), count)
	})
}

func TestReadOnlyTxRejectsWrites(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))

		tx, err := eng.Begin(false)
		require.NoError(t, err)
		defer tx.Discard()

		_, _, err = tx.GetOrCreateNode("User", "userId", "alice")
		assert.ErrorIs(t, err, ErrTxReadOnly)

		_, err = tx.CreateEdge(1, 2, "VISITED", nil)
		assert.ErrorIs(t, err, ErrTxReadOnly)
	})
}

func TestEdgeLifecycle(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))
		require.NoError(t, eng.EnsureUniqueConstraint("Site", "url"))

		tx, err := eng.Begin(true)
		require.NoError(t, err)
		user, _, err := tx.GetOrCreateNode("User", "userId", "alice")
		require.NoError(t, err)
		site, _, err := tx.GetOrCreateNode("Site", "url", "https://example.com")
		require.NoError(t, err)

		edge, err := tx.CreateEdge(user.ID, site.ID, "VISITED", map[string]any{
			"lastVisited": int64(1000),
		})
		require.NoError(t, err)
		assert.NotZero(t, edge.ID)
		require.NoError(t, tx.Commit())

		// Lookup and update in a second transaction.
		tx2, err := eng.Begin(true)
		require.NoError(t, err)
		found, err := tx2.GetEdgeBetween(user.ID, site.ID, "VISITED")
		require.NoError(t, err)
		assert.Equal(t, edge.ID, found.ID)

		found.Properties["lastVisited"] = int64(2000)
		require.NoError(t, tx2.UpdateEdge(found))
		require.NoError(t, tx2.Commit())

		// The update stuck.
		tx3, err := eng.Begin(false)
		require.NoError(t, err)
		defer tx3.Discard()
		final, err := tx3.GetEdgeBetween(user.ID, site.ID, "VISITED")
		require.NoError(t, err)
		assert.EqualValues(t, 2000, toInt64(t, final.Properties["lastVisited"]))

		edges, err := tx3.OutgoingEdges(user.ID, "VISITED")
		require.NoError(t, err)
		require.Len(t, edges, 1)

		count, err := eng.EdgeCount()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestGetEdgeBetweenMissing(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))
		require.NoError(t, eng.EnsureUniqueConstraint("Site", "url"))

		tx, err := eng.Begin(true)
		require.NoError(t, err)
		user, _, err := tx.GetOrCreateNode("User", "userId", "alice")
		require.NoError(t, err)
		site, _, err := tx.GetOrCreateNode("Site", "url", "https://example.com")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		tx2, err := eng.Begin(false)
		require.NoError(t, err)
		defer tx2.Discard()
		_, err = tx2.GetEdgeBetween(user.ID, site.ID, "VISITED")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateEdgeUnknownEndpoint(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))

		tx, err := eng.Begin(true)
		require.NoError(t, err)
		defer tx.Discard()
		user, _, err := tx.GetOrCreateNode("User", "userId", "alice")
		require.NoError(t, err)

		_, err = tx.CreateEdge(user.ID, NodeID(999999), "VISITED", nil)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestNodesByLabel(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))

		tx, err := eng.Begin(true)
		require.NoError(t, err)
		for i := 0; i < 5; i++ {
			_, _, err := tx.GetOrCreateNode("User", "userId", fmt.Sprintf("user-%d", i))
			require.NoError(t, err)
		}
		require.NoError(t, tx.Commit())

		tx2, err := eng.Begin(false)
		require.NoError(t, err)
		defer tx2.Discard()

		seen := map[string]bool{}
		err = tx2.NodesByLabel("User", func(n *Node) error {
			seen[n.Properties["userId"].(string)] = true
			return nil
		})
		require.NoError(t, err)
		assert.Len(t, seen, 5)
	})
}

// Concurrent get-or-create for the same value must converge on a single
// node identity, however the transactions interleave.
func TestConcurrentGetOrCreateConverges(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))

		const workers = 8
		ids := make([]NodeID, workers)
		errs := make([]error, workers)

		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tx, err := eng.Begin(true)
				if err != nil {
					errs[i] = err
					return
				}
				node, _, err := tx.GetOrCreateNode("User", "userId", "shared")
				if err != nil {
					tx.Discard()
					errs[i] = err
					return
				}
				ids[i] = node.ID
				errs[i] = tx.Commit()
			}(i)
		}
		wg.Wait()

		var want NodeID
		for i := 0; i < workers; i++ {
			// Badger may abort racing transactions with a conflict; a
			// conflict is an acceptable outcome, a second identity is not.
			if errs[i] != nil {
				continue
			}
			if want == 0 {
				want = ids[i]
			}
			assert.Equal(t, want, ids[i], "every successful worker must observe the same node")
		}
		require.NotZero(t, want, "at least one worker must succeed")

		count, err := eng.NodeCount()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

// A transaction that converges on another transaction's in-flight
// get-or-create must still be able to commit an edge against the shared ID
// when the first claimant discards: the racer's own commit materializes the
// node, so the store never holds an edge without its endpoint.
func TestGetOrCreateOwnerDiscard(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))
		require.NoError(t, eng.EnsureUniqueConstraint("Site", "url"))

		owner, err := eng.Begin(true)
		require.NoError(t, err)
		ownerNode, created, err := owner.GetOrCreateNode("User", "userId", "u1")
		require.NoError(t, err)
		require.True(t, created)

		racer, err := eng.Begin(true)
		require.NoError(t, err)
		racerNode, created, err := racer.GetOrCreateNode("User", "userId", "u1")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, ownerNode.ID, racerNode.ID)

		site, _, err := racer.GetOrCreateNode("Site", "url", "https://s.example")
		require.NoError(t, err)
		_, err = racer.CreateEdge(racerNode.ID, site.ID, "VISITED", nil)
		require.NoError(t, err)

		owner.Discard()
		require.NoError(t, racer.Commit())

		tx, err := eng.Begin(false)
		require.NoError(t, err)
		defer tx.Discard()

		node, err := tx.GetNode(racerNode.ID)
		require.NoError(t, err, "edge endpoint must exist after the racer's commit")
		assert.Equal(t, "u1", node.Properties["userId"])

		edges, err := tx.OutgoingEdges(racerNode.ID, "VISITED")
		require.NoError(t, err)
		require.Len(t, edges, 1)
		_, err = tx.GetNode(edges[0].EndNode)
		require.NoError(t, err)

		count, err := eng.NodeCount()
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})
}

// The mirror interleaving: the first claimant commits before the racer.
// Either the racer's commit lands next to the already-committed node
// (memory) or the whole racer transaction aborts with a conflict (badger);
// in both outcomes there is exactly one node per value and no edge without
// its endpoint.
func TestGetOrCreateRacerAfterOwnerCommit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.EnsureUniqueConstraint("User", "userId"))
		require.NoError(t, eng.EnsureUniqueConstraint("Site", "url"))

		owner, err := eng.Begin(true)
		require.NoError(t, err)
		ownerNode, _, err := owner.GetOrCreateNode("User", "userId", "u1")
		require.NoError(t, err)

		racer, err := eng.Begin(true)
		require.NoError(t, err)
		racerNode, _, err := racer.GetOrCreateNode("User", "userId", "u1")
		require.NoError(t, err)
		require.Equal(t, ownerNode.ID, racerNode.ID)
		site, _, err := racer.GetOrCreateNode("Site", "url", "https://s.example")
		require.NoError(t, err)
		_, err = racer.CreateEdge(racerNode.ID, site.ID, "VISITED", nil)
		require.NoError(t, err)

		require.NoError(t, owner.Commit())
		racerErr := racer.Commit()

		tx, err := eng.Begin(false)
		require.NoError(t, err)
		defer tx.Discard()

		nodes, err := eng.NodeCount()
		require.NoError(t, err)
		edges, err := eng.EdgeCount()
		require.NoError(t, err)

		if racerErr != nil {
			// Conflict abort: the racer's whole write set is gone.
			assert.Equal(t, int64(1), nodes)
			assert.Equal(t, int64(0), edges)
		} else {
			assert.Equal(t, int64(2), nodes)
			assert.Equal(t, int64(1), edges)
			found, err := tx.OutgoingEdges(racerNode.ID, "VISITED")
			require.NoError(t, err)
			require.Len(t, found, 1)
		}

		// Exactly one identity for the value either way.
		node, err := tx.FindNodeByProperty("User", "userId", "u1")
		require.NoError(t, err)
		assert.Equal(t, ownerNode.ID, node.ID)
	})
}

func TestEngineCloseRejectsBegin(t *testing.T) {
	forEachEngine(t, func(t *testing.T, eng Engine) {
		require.NoError(t, eng.Close())
		_, err := eng.Begin(true)
		assert.ErrorIs(t, err, ErrStorageClosed)
	})
}

// toInt64 normalizes the numeric types the engines may hand back for a
// property (badger round-trips through JSON).
func toInt64(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		t.Fatalf("unexpected numeric type %T", v)
		return 0
	}
}
