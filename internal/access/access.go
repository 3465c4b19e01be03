package access

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"graphshell/internal/diagnostics"
)

var (
	ErrAccessDenied = errors.New("sync access denied")
	ErrUnknownPeer  = errors.New("unknown peer")
	ErrBadAccess    = errors.New("invalid access level")
)

// Level is the access granted to a peer for one workspace.
type Level string

const (
	ReadOnly  Level = "read_only"
	ReadWrite Level = "read_write"
)

// ParseLevel accepts the persisted spelling and a few CLI shorthands.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "read_only", "ro", "readonly":
		return ReadOnly, nil
	case "read_write", "rw", "readwrite":
		return ReadWrite, nil
	}
	return "", fmt.Errorf("%w: %q", ErrBadAccess, s)
}

// Role distinguishes our own devices from other people.
type Role string

const (
	RoleSelf   Role = "self"
	RoleFriend Role = "friend"
)

// WorkspaceGrant gives a peer access to one workspace.
type WorkspaceGrant struct {
	WorkspaceID string `json:"workspace_id"`
	Access      Level  `json:"access"`
}

// TrustedPeer is one entry of the trust store.
type TrustedPeer struct {
	NodeID      string           `json:"node_id"`
	DisplayName string           `json:"display_name"`
	Role        Role             `json:"role"`
	AddedAt     time.Time        `json:"added_at"`
	LastSeen    time.Time        `json:"last_seen"`
	Grants      []WorkspaceGrant `json:"workspace_grants"`
}

// Grant returns the peer's grant for workspaceID.
func (p *TrustedPeer) Grant(workspaceID string) (WorkspaceGrant, bool) {
	for _, g := range p.Grants {
		if g.WorkspaceID == workspaceID {
			return g, true
		}
	}
	return WorkspaceGrant{}, false
}

// Check evaluates an inbound sync message against the trust list. Access is
// denied unless the peer is trusted, holds a grant for the workspace, and
// that grant permits writes when the message carries mutations.
func Check(peers []TrustedPeer, peerID, workspaceID string, containsMutations bool) error {
	i := slices.IndexFunc(peers, func(p TrustedPeer) bool { return p.NodeID == peerID })
	if i < 0 {
		return fmt.Errorf("%w: peer %s is not trusted", ErrAccessDenied, peerID)
	}
	grant, ok := peers[i].Grant(workspaceID)
	if !ok {
		return fmt.Errorf("%w: peer %s has no grant for workspace %s", ErrAccessDenied, peerID, workspaceID)
	}
	if containsMutations && grant.Access == ReadOnly {
		return fmt.Errorf("%w: peer %s is read-only on workspace %s", ErrAccessDenied, peerID, workspaceID)
	}
	return nil
}

// CheckSyncAccess is Check reduced to a decision. Every denial emits an
// access_denied event on sink.
func CheckSyncAccess(peers []TrustedPeer, peerID, workspaceID string, containsMutations bool, sink diagnostics.Sink) bool {
	if err := Check(peers, peerID, workspaceID, containsMutations); err != nil {
		diagnostics.Emit(sink, diagnostics.AccessDenied, err.Error(),
			"peer", peerID,
			"workspace", workspaceID,
		)
		return false
	}
	return true
}

// Store is the in-memory trust list. It is owned by the frame loop; the
// transport reads snapshots obtained through Peers.
type Store struct {
	peers map[string]*TrustedPeer
	now   func() time.Time
}

// NewStore creates a trust store seeded with peers.
func NewStore(peers ...TrustedPeer) *Store {
	s := &Store{peers: make(map[string]*TrustedPeer), now: time.Now}
	for _, p := range peers {
		s.Trust(p)
	}
	return s
}

// Trust adds or replaces a peer. A zero AddedAt is stamped with now.
func (s *Store) Trust(p TrustedPeer) {
	if p.AddedAt.IsZero() {
		p.AddedAt = s.now()
	}
	if p.Role == "" {
		p.Role = RoleFriend
	}
	p.Grants = slices.Clone(p.Grants)
	s.peers[p.NodeID] = &p
}

// Revoke removes a peer and reports whether it was present.
func (s *Store) Revoke(nodeID string) bool {
	_, ok := s.peers[nodeID]
	delete(s.peers, nodeID)
	return ok
}

// SetGrant gives nodeID the access level on workspaceID, replacing any
// previous grant for that workspace.
func (s *Store) SetGrant(nodeID, workspaceID string, level Level) error {
	p, ok := s.peers[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	if level != ReadOnly && level != ReadWrite {
		return fmt.Errorf("%w: %q", ErrBadAccess, level)
	}
	for i := range p.Grants {
		if p.Grants[i].WorkspaceID == workspaceID {
			p.Grants[i].Access = level
			return nil
		}
	}
	p.Grants = append(p.Grants, WorkspaceGrant{WorkspaceID: workspaceID, Access: level})
	return nil
}

// RemoveGrant drops nodeID's grant for workspaceID.
func (s *Store) RemoveGrant(nodeID, workspaceID string) error {
	p, ok := s.peers[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	p.Grants = slices.DeleteFunc(p.Grants, func(g WorkspaceGrant) bool {
		return g.WorkspaceID == workspaceID
	})
	return nil
}

// Touch records that nodeID was seen now.
func (s *Store) Touch(nodeID string) {
	if p, ok := s.peers[nodeID]; ok {
		p.LastSeen = s.now()
	}
}

// Get returns a copy of the peer.
func (s *Store) Get(nodeID string) (TrustedPeer, bool) {
	p, ok := s.peers[nodeID]
	if !ok {
		return TrustedPeer{}, false
	}
	c := *p
	c.Grants = slices.Clone(p.Grants)
	return c, true
}

// Peers returns copies of all peers ordered by node id.
func (s *Store) Peers() []TrustedPeer {
	out := make([]TrustedPeer, 0, len(s.peers))
	for id := range s.peers {
		p, _ := s.Get(id)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
