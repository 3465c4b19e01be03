package access

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"graphshell/internal/diagnostics"
)

func TestCheckSyncAccess_Matrix(t *testing.T) {
	peers := []TrustedPeer{
		{NodeID: "reader", Grants: []WorkspaceGrant{{WorkspaceID: "W", Access: ReadOnly}}},
		{NodeID: "writer", Grants: []WorkspaceGrant{{WorkspaceID: "W", Access: ReadWrite}}},
	}
	tests := []struct {
		name      string
		peer, ws  string
		mutations bool
		want      bool
	}{
		{"unknown peer", "stranger", "W", false, false},
		{"no grant for workspace", "writer", "other", false, false},
		{"read-only peer mutating", "reader", "W", true, false},
		{"read-only peer receiving", "reader", "W", false, true},
		{"read-write peer mutating", "writer", "W", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := diagnostics.NewRecorder(nil, 0)
			got := CheckSyncAccess(peers, tt.peer, tt.ws, tt.mutations, rec)
			assert.Equal(t, tt.want, got)
			wantEvents := 0
			if !tt.want {
				wantEvents = 1
			}
			assert.Equal(t, wantEvents, rec.Count(diagnostics.AccessDenied))
		})
	}
}

func TestCheck_WrapsSentinel(t *testing.T) {
	err := Check(nil, "p", "W", false)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestStore_RevokeDeniesLaterDeltas(t *testing.T) {
	s := NewStore(TrustedPeer{NodeID: "p", Grants: []WorkspaceGrant{{WorkspaceID: "W", Access: ReadWrite}}})
	rec := diagnostics.NewRecorder(nil, 0)
	require.True(t, CheckSyncAccess(s.Peers(), "p", "W", true, rec))

	assert.True(t, s.Revoke("p"))
	assert.False(t, s.Revoke("p"))
	assert.False(t, CheckSyncAccess(s.Peers(), "p", "W", false, rec))
	assert.Equal(t, 1, rec.Count(diagnostics.AccessDenied))
}

func TestStore_Grants(t *testing.T) {
	s := NewStore()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	assert.ErrorIs(t, s.SetGrant("ghost", "W", ReadOnly), ErrUnknownPeer)

	s.Trust(TrustedPeer{NodeID: "p", DisplayName: "laptop"})
	require.NoError(t, s.SetGrant("p", "W", ReadOnly))
	require.NoError(t, s.SetGrant("p", "W", ReadWrite))
	require.NoError(t, s.SetGrant("p", "X", ReadOnly))
	assert.ErrorIs(t, s.SetGrant("p", "W", Level("admin")), ErrBadAccess)

	p, ok := s.Get("p")
	require.True(t, ok)
	assert.Equal(t, RoleFriend, p.Role)
	assert.Equal(t, fixed, p.AddedAt)
	assert.Equal(t, []WorkspaceGrant{{"W", ReadWrite}, {"X", ReadOnly}}, p.Grants)

	require.NoError(t, s.RemoveGrant("p", "W"))
	p, _ = s.Get("p")
	assert.Equal(t, []WorkspaceGrant{{"X", ReadOnly}}, p.Grants)

	s.Touch("p")
	p, _ = s.Get("p")
	assert.Equal(t, fixed, p.LastSeen)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("rw")
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, l)
	_, err = ParseLevel("owner")
	assert.ErrorIs(t, err, ErrBadAccess)
}
