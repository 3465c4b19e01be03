package synclog

import (
	"maps"
	"slices"
	"strconv"

	"graphshell/internal/diagnostics"
)

// PeerID is the stable node id of a peer's identity.
type PeerID string

// Op names a graph mutation carried by the log.
type Op string

const (
	OpAddNode     Op = "add_node"
	OpRemoveNode  Op = "remove_node"
	OpUpdateTitle Op = "update_title"
	OpUpdateURL   Op = "update_url"
	OpSetPosition Op = "set_position"
	OpTagNode     Op = "tag_node"
	OpUntagNode   Op = "untag_node"
	OpAddEdge     Op = "add_edge"
	OpRemoveEdge  Op = "remove_edge"
)

// Payload is the body of a synced mutation. Nodes are addressed by global id.
type Payload struct {
	Op       Op      `json:"op"`
	NodeID   string  `json:"node_id"`
	URL      string  `json:"url,omitempty"`
	Title    string  `json:"title,omitempty"`
	Tag      string  `json:"tag,omitempty"`
	X        float64 `json:"x,omitempty"`
	Y        float64 `json:"y,omitempty"`
	ToID     string  `json:"to_id,omitempty"`
	EdgeType string  `json:"edge_type,omitempty"`
}

// Attribute returns the last-writer-wins attribute the payload writes, or ""
// when the op is not LWW-governed.
func (p Payload) Attribute() string {
	switch p.Op {
	case OpUpdateTitle:
		return "title"
	case OpUpdateURL:
		return "url"
	case OpSetPosition:
		return "position"
	case OpTagNode, OpUntagNode:
		return "tag:" + p.Tag
	}
	return ""
}

// SyncedIntent is one authored log entry.
type SyncedIntent struct {
	Payload        Payload `json:"payload"`
	AuthoredBy     PeerID  `json:"authored_by"`
	AuthoredAtSecs uint64  `json:"authored_at_secs"`
	Sequence       uint64  `json:"sequence"`
}

// VersionVector maps each author to the highest sequence seen from it.
type VersionVector map[PeerID]uint64

// Clone returns an independent copy.
func (vv VersionVector) Clone() VersionVector {
	if vv == nil {
		return VersionVector{}
	}
	return maps.Clone(vv)
}

// SyncUnit is what peers exchange for one workspace.
type SyncUnit struct {
	WorkspaceID   string         `json:"workspace_id"`
	VersionVector VersionVector  `json:"version_vector"`
	Intents       []SyncedIntent `json:"intents"`
}

// ContainsMutations reports whether the unit carries any intents.
func (u SyncUnit) ContainsMutations() bool {
	return len(u.Intents) > 0
}

// WriteStamp records who last wrote an attribute and when.
type WriteStamp struct {
	At     uint64 `json:"at"`
	Author PeerID `json:"author"`
}

// Log is the per-workspace append-only intent log. It is owned by the frame
// loop and is not safe for concurrent use.
type Log struct {
	workspaceID string
	vv          VersionVector
	intents     []SyncedIntent
	lastWrite   map[string]WriteStamp
	tombstones  map[string]uint64
	sink        diagnostics.Sink
}

// New creates an empty log for workspaceID. sink may be nil.
func New(workspaceID string, sink diagnostics.Sink) *Log {
	return &Log{
		workspaceID: workspaceID,
		vv:          VersionVector{},
		lastWrite:   make(map[string]WriteStamp),
		tombstones:  make(map[string]uint64),
		sink:        sink,
	}
}

// WorkspaceID returns the workspace this log belongs to.
func (l *Log) WorkspaceID() string { return l.workspaceID }

// Len returns the number of recorded intents.
func (l *Log) Len() int { return len(l.intents) }

// Intents returns a copy of the recorded intents in append order.
func (l *Log) Intents() []SyncedIntent { return slices.Clone(l.intents) }

// VersionVector returns a copy of the version vector.
func (l *Log) VersionVector() VersionVector { return l.vv.Clone() }

// Seen reports whether i's sequence is already covered by the version vector.
func (l *Log) Seen(i SyncedIntent) bool {
	return i.Sequence <= l.vv[i.AuthoredBy]
}

// RecordIntent appends i and advances the author's counter. It returns false
// without appending when i was already seen.
func (l *Log) RecordIntent(i SyncedIntent) bool {
	if l.Seen(i) {
		return false
	}
	l.intents = append(l.intents, i)
	l.vv[i.AuthoredBy] = max(l.vv[i.AuthoredBy], i.Sequence)
	return true
}

func writeKey(nodeID, attr string) string {
	return nodeID + "|" + attr
}

// LastWrite returns the stamp of the last accepted write of attr on nodeID.
func (l *Log) LastWrite(nodeID, attr string) (WriteStamp, bool) {
	s, ok := l.lastWrite[writeKey(nodeID, attr)]
	return s, ok
}

// IsTombstoned reports whether nodeID was removed.
func (l *Log) IsTombstoned(nodeID string) bool {
	_, ok := l.tombstones[nodeID]
	return ok
}

// ShouldApply decides whether i may be applied to the graph. Accepting an
// intent updates the LWW metadata and tombstones, so each intent must be
// offered exactly once.
func (l *Log) ShouldApply(i SyncedIntent) bool {
	if !l.wins(i) {
		return false
	}
	l.accept(i)
	return true
}

// wins reports whether i beats the current state without changing it.
func (l *Log) wins(i SyncedIntent) bool {
	p := i.Payload
	if l.IsTombstoned(p.NodeID) {
		return false
	}
	switch p.Op {
	case OpAddEdge, OpRemoveEdge:
		return !l.IsTombstoned(p.ToID)
	case OpRemoveNode:
		return true
	}
	attr := p.Attribute()
	if attr == "" {
		return true
	}
	prior, ok := l.lastWrite[writeKey(p.NodeID, attr)]
	return !ok || newer(i, prior)
}

func newer(i SyncedIntent, prior WriteStamp) bool {
	if prior.At != i.AuthoredAtSecs {
		return i.AuthoredAtSecs > prior.At
	}
	return i.AuthoredBy >= prior.Author
}

// accept stamps the tombstone or LWW metadata of a winning intent.
func (l *Log) accept(i SyncedIntent) {
	p := i.Payload
	if p.Op == OpRemoveNode {
		l.tombstones[p.NodeID] = i.AuthoredAtSecs
		return
	}
	attr := p.Attribute()
	if attr == "" {
		return
	}
	key := writeKey(p.NodeID, attr)
	prior, ok := l.lastWrite[key]
	l.lastWrite[key] = WriteStamp{At: i.AuthoredAtSecs, Author: i.AuthoredBy}

	if ok && prior.Author != i.AuthoredBy {
		fields := []string{
			"workspace", l.workspaceID,
			"node", p.NodeID,
			"attribute", attr,
			"winner", string(i.AuthoredBy),
			"loser", string(prior.Author),
			"at", strconv.FormatUint(i.AuthoredAtSecs, 10),
		}
		diagnostics.Emit(l.sink, diagnostics.ConflictDetected, "concurrent write", fields...)
		diagnostics.Emit(l.sink, diagnostics.ConflictResolved, "last writer wins", fields...)
	}
}

// RecordLocal stamps a locally authored payload with the next sequence for
// self, runs it through ShouldApply and records it. A local write to an LWW
// attribute is newer than anything already merged for it: when a stored
// write would beat nowSecs, the intent is stamped one second past it.
func (l *Log) RecordLocal(self PeerID, p Payload, nowSecs uint64) (SyncedIntent, bool) {
	i := SyncedIntent{
		Payload:        p,
		AuthoredBy:     self,
		AuthoredAtSecs: nowSecs,
		Sequence:       l.vv[self] + 1,
	}
	if attr := p.Attribute(); attr != "" {
		if prior, ok := l.lastWrite[writeKey(p.NodeID, attr)]; ok && !newer(i, prior) {
			i.AuthoredAtSecs = prior.At + 1
		}
	}
	if !l.ShouldApply(i) {
		return i, false
	}
	l.RecordIntent(i)
	return i, true
}

// BuildOutgoing returns the intents a peer with version vector peer has not
// seen, in log order.
func (l *Log) BuildOutgoing(peer VersionVector) []SyncedIntent {
	var out []SyncedIntent
	for _, i := range l.intents {
		if i.Sequence > peer[i.AuthoredBy] {
			out = append(out, i)
		}
	}
	return out
}

// Unit packages the outgoing delta for a peer.
func (l *Log) Unit(peer VersionVector) SyncUnit {
	return SyncUnit{
		WorkspaceID:   l.workspaceID,
		VersionVector: l.VersionVector(),
		Intents:       l.BuildOutgoing(peer),
	}
}

// MergeResult counts what happened to each inbound intent.
type MergeResult struct {
	Applied    int
	Rejected   int
	Duplicates int
	Failed     int
}

// Merge folds inbound intents into the log. Unseen winning intents are passed
// to apply; every unseen intent is recorded whether or not it won, so the
// version vector reflects delivery. An apply error counts as Failed: the
// intent is still recorded but leaves the LWW metadata and tombstones as they
// were, so it never shadows a later valid write.
func (l *Log) Merge(intents []SyncedIntent, apply func(SyncedIntent) error) MergeResult {
	var res MergeResult
	for _, i := range intents {
		if l.Seen(i) {
			res.Duplicates++
			continue
		}
		switch {
		case !l.wins(i):
			res.Rejected++
		case apply != nil && apply(i) != nil:
			res.Failed++
		default:
			l.accept(i)
			res.Applied++
		}
		l.RecordIntent(i)
	}
	return res
}
