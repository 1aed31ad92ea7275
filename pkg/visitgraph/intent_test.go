package visitgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestActionString(t *testing.T) {
	assert.Equal(t, "CreateUser", ActionCreateUser.String())
	assert.Equal(t, "CreateSite", ActionCreateSite.String())
	assert.Equal(t, "CreateBoth", ActionCreateBoth.String())
	assert.Equal(t, "CreateVisited", ActionCreateVisited.String())
	assert.Equal(t, "Action(0)", Action(0).String())
}

func TestIntentValidate(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name    string
		intent  Intent
		wantErr bool
	}{
		{"create-user valid", Intent{Action: ActionCreateUser, UserID: "u", SiteNode: 2, ObservedAt: at}, false},
		{"create-user missing user id", Intent{Action: ActionCreateUser, SiteNode: 2, ObservedAt: at}, true},
		{"create-user missing site node", Intent{Action: ActionCreateUser, UserID: "u", ObservedAt: at}, true},
		{"create-site valid", Intent{Action: ActionCreateSite, UserNode: 1, URL: "s", ObservedAt: at}, false},
		{"create-site missing url", Intent{Action: ActionCreateSite, UserNode: 1, ObservedAt: at}, true},
		{"create-both valid", Intent{Action: ActionCreateBoth, UserID: "u", URL: "s", ObservedAt: at}, false},
		{"create-both missing both", Intent{Action: ActionCreateBoth, ObservedAt: at}, true},
		{"create-visited valid", Intent{Action: ActionCreateVisited, UserNode: 1, SiteNode: 2, ObservedAt: at}, false},
		{"create-visited missing endpoint", Intent{Action: ActionCreateVisited, UserNode: 1, ObservedAt: at}, true},
		{"zero action", Intent{ObservedAt: at}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.intent.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
