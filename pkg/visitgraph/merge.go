package visitgraph

import (
	"fmt"
	"sort"
	"time"

	"github.com/orneryd/visitgraph/pkg/storage"
)

// Graph shape shared with any other reader of the store: User nodes carry
// "userId", Site nodes carry "url", and the directed VISITED edge carries
// "lastVisited" (UTC epoch millis, minute-truncated) plus "visitedList"
// (deduplicated set of such values, persisted in ascending order).
const (
	UserLabel   = "User"
	SiteLabel   = "Site"
	UserKeyProp = "userId"
	SiteKeyProp = "url"
	VisitedType = "VISITED"
	LastVisited = "lastVisited"
	VisitedList = "visitedList"
)

// TruncateToMinute zeroes seconds and sub-second precision, bucketing a
// visit to the start of its minute in UTC.
func TruncateToMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// mergeVisit finds or creates the single VISITED edge between the two
// identities and folds the observation into its history: the timestamp is
// truncated to the minute, inserted into the visitedList set, and written
// back as lastVisited.
//
// lastVisited is last-write-wins: an out-of-order older event overwrites a
// newer one, matching how the edge has always been written (the alternative,
// max-of-set, is deliberately not implemented; see DESIGN.md).
//
// Exactly one edge is created or mutated per call; edges are never deleted.
func mergeVisit(tx storage.Tx, userNode, siteNode storage.NodeID, observedAt time.Time) error {
	if userNode == 0 || siteNode == 0 {
		return storage.ErrInvalidID
	}

	bucket := TruncateToMinute(observedAt).UnixMilli()

	edge, err := tx.GetEdgeBetween(userNode, siteNode, VisitedType)
	if err == storage.ErrNotFound {
		edge, err = tx.CreateEdge(userNode, siteNode, VisitedType, nil)
	}
	if err != nil {
		return fmt.Errorf("merge visit %d->%d: %w", userNode, siteNode, err)
	}

	if edge.Properties == nil {
		edge.Properties = make(map[string]any, 2)
	}
	edge.Properties[VisitedList] = insertVisit(visitList(edge.Properties[VisitedList]), bucket)
	edge.Properties[LastVisited] = bucket

	if err := tx.UpdateEdge(edge); err != nil {
		return fmt.Errorf("merge visit %d->%d: %w", userNode, siteNode, err)
	}
	return nil
}

// insertVisit adds a bucket to the history set, keeping ascending order and
// dropping the duplicate if the bucket was already recorded.
func insertVisit(visits []int64, bucket int64) []int64 {
	i := sort.Search(len(visits), func(i int) bool { return visits[i] >= bucket })
	if i < len(visits) && visits[i] == bucket {
		return visits
	}
	visits = append(visits, 0)
	copy(visits[i+1:], visits[i:])
	visits[i] = bucket
	return visits
}

// visitList normalizes a visitedList property into []int64. Engines that
// persist properties as JSON hand the list back as []any of float64; the
// in-memory engine hands back the []int64 that was stored. Epoch millis fit
// float64 exactly, so no precision is lost either way.
func visitList(prop any) []int64 {
	switch v := prop.(type) {
	case nil:
		return nil
	case []int64:
		out := make([]int64, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]int64, 0, len(v))
		for _, item := range v {
			if ms, ok := propMillis(item); ok {
				out = append(out, ms)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	case []float64:
		out := make([]int64, 0, len(v))
		for _, f := range v {
			out = append(out, int64(f))
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	default:
		return nil
	}
}

// propMillis normalizes a single timestamp property into epoch millis.
func propMillis(prop any) (int64, bool) {
	switch v := prop.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}
