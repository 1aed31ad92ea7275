package visitgraph

import (
	"fmt"
	"time"

	"github.com/orneryd/visitgraph/pkg/storage"
)

// Action tags a write intent with the work left to do when it is applied.
// The tag is determined at enqueue time by classifying the event against
// the identity caches and the store's unique index: whatever resolved then
// is carried as a NodeID, whatever didn't is carried as a natural key.
type Action uint8

const (
	// ActionCreateUser: the site resolved, the user didn't.
	ActionCreateUser Action = iota + 1
	// ActionCreateSite: the user resolved, the site didn't.
	ActionCreateSite
	// ActionCreateBoth: neither resolved.
	ActionCreateBoth
	// ActionCreateVisited: both resolved; only the edge merge remains.
	ActionCreateVisited
)

// String returns the action name for logs.
func (a Action) String() string {
	switch a {
	case ActionCreateUser:
		return "CreateUser"
	case ActionCreateSite:
		return "CreateSite"
	case ActionCreateBoth:
		return "CreateBoth"
	case ActionCreateVisited:
		return "CreateVisited"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// Intent is a queued description of a pending graph mutation, possibly
// partially pre-resolved. Each action uses exactly the fields it needs:
//
//	CreateUser:    UserID + SiteNode
//	CreateSite:    UserNode + URL
//	CreateBoth:    UserID + URL
//	CreateVisited: UserNode + SiteNode
//
// ObservedAt is the event time captured at enqueue; the batch writer folds
// it into the edge history when the intent is applied.
type Intent struct {
	Action     Action
	UserID     string
	URL        string
	UserNode   storage.NodeID
	SiteNode   storage.NodeID
	ObservedAt time.Time
}

// validate checks that the intent carries the fields its action requires.
// Mirrors the per-action payload checks the batch writer applies before
// touching the store.
func (in Intent) validate() error {
	switch in.Action {
	case ActionCreateUser:
		if in.UserID == "" || in.SiteNode == 0 {
			return fmt.Errorf("%s intent missing userId or site node", in.Action)
		}
	case ActionCreateSite:
		if in.UserNode == 0 || in.URL == "" {
			return fmt.Errorf("%s intent missing user node or url", in.Action)
		}
	case ActionCreateBoth:
		if in.UserID == "" || in.URL == "" {
			return fmt.Errorf("%s intent missing userId or url", in.Action)
		}
	case ActionCreateVisited:
		if in.UserNode == 0 || in.SiteNode == 0 {
			return fmt.Errorf("%s intent missing user node or site node", in.Action)
		}
	default:
		return fmt.Errorf("unknown intent action %d", uint8(in.Action))
	}
	return nil
}
