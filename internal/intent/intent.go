// Package intent defines the values the frame pipeline applies. Every user
// action, engine notification and lifecycle decision becomes an Intent, and
// Finalize applies them with a single type switch.
package intent

import (
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/tiles"
)

// Class separates graph mutations from UI-only changes.
type Class int

const (
	Transient Class = iota
	Mutating
)

func (c Class) String() string {
	if c == Mutating {
		return "mutating"
	}
	return "transient"
}

// Cause records why a lifecycle intent was produced.
type Cause string

const (
	CauseUserSelect            Cause = "user_select"
	CauseActiveTileVisible     Cause = "active_tile_visible"
	CauseSelectedPrewarm       Cause = "selected_prewarm"
	CauseWorkspaceRetention    Cause = "workspace_retention"
	CauseActiveLruEviction     Cause = "active_lru_eviction"
	CauseWarmLruEviction       Cause = "warm_lru_eviction"
	CauseMemoryPressureWarning Cause = "memory_pressure_warning"
	CauseMemoryPressureCrit    Cause = "memory_pressure_critical"
	CauseCrash                 Cause = "crash"
	CauseCreateRetryExhausted  Cause = "create_retry_exhausted"
	CauseCreateTimeout         Cause = "create_timeout"
	CauseExplicitClose         Cause = "explicit_close"
	CauseNodeRemoval           Cause = "node_removal"
	CauseRestore               Cause = "restore"
	CauseUserRetry             Cause = "user_retry"
	CauseInvariantRepair       Cause = "invariant_repair"
)

// Intent is implemented by every intent value.
type Intent interface {
	Name() string
}

type (
	AddNode struct {
		URL      string
		Position graph.Point
		// ID is set for nodes whose global id is fixed by a peer.
		ID string
		// OpenedFrom links the new node to the page that opened it.
		OpenedFrom graph.Key
	}
	RemoveNode struct {
		Key graph.Key
	}
	SetNodeURL struct {
		Key graph.Key
		URL string
	}
	SetNodeTitle struct {
		Key   graph.Key
		Title string
	}
	SetNodePinned struct {
		Key    graph.Key
		Pinned bool
	}
	SetNodePosition struct {
		Key      graph.Key
		Position graph.Point
	}
	TagNode struct {
		Key graph.Key
		Tag string
	}
	UntagNode struct {
		Key graph.Key
		Tag string
	}
	CreateUserGroupedEdge struct {
		From, To graph.Key
	}
	// CreateNavigationEdge links a page to one opened from it.
	CreateNavigationEdge struct {
		From, To graph.Key
	}
	RemoveEdge struct {
		From, To graph.Key
		Type     graph.EdgeType
	}
	ClearGraph           struct{}
	SuggestSemanticEdges struct {
		MinSimilarity float64
	}
	Undo struct{}
	Redo struct{}
)

type (
	PromoteNodeToActive struct {
		Key   graph.Key
		Cause Cause
	}
	DemoteNodeToWarm struct {
		Key   graph.Key
		Cause Cause
	}
	DemoteNodeToCold struct {
		Key   graph.Key
		Cause Cause
	}
	MapWebviewToNode struct {
		Handle  engine.Handle
		Context engine.ContextID
		Key     graph.Key
	}
	UnmapWebview struct {
		Handle engine.Handle
	}
	WebViewCrashed struct {
		Handle engine.Handle
		Reason string
	}
	RetryCrashedNode struct {
		Key graph.Key
	}
	SetNodeThumbnail struct {
		Key   graph.Key
		Image *graph.Image
	}
	SetNodeFavicon struct {
		Key   graph.Key
		Image *graph.Image
	}
)

type (
	SelectNode struct {
		// Key 0 clears the selection.
		Key graph.Key
	}
	ToggleCommandPalette struct{}
	OpenSettingsURL      struct {
		URL string
	}
	OpenNodeWorkspaceRouted struct {
		Key graph.Key
	}
	ToggleTileView struct{}
	CloseNodeTile  struct {
		Key graph.Key
	}
	FocusTile struct {
		Tile tiles.TileID
	}
	SetOmnibarQuery struct {
		Text string
	}
	SubmitOmnibar struct{}
)

func (AddNode) Name() string                 { return "AddNode" }
func (RemoveNode) Name() string              { return "RemoveNode" }
func (SetNodeURL) Name() string              { return "SetNodeUrl" }
func (SetNodeTitle) Name() string            { return "SetNodeTitle" }
func (SetNodePinned) Name() string           { return "SetNodePinned" }
func (SetNodePosition) Name() string         { return "SetNodePosition" }
func (TagNode) Name() string                 { return "TagNode" }
func (UntagNode) Name() string               { return "UntagNode" }
func (CreateUserGroupedEdge) Name() string   { return "CreateUserGroupedEdge" }
func (CreateNavigationEdge) Name() string    { return "CreateNavigationEdge" }
func (RemoveEdge) Name() string              { return "RemoveEdge" }
func (ClearGraph) Name() string              { return "ClearGraph" }
func (SuggestSemanticEdges) Name() string    { return "SuggestSemanticEdges" }
func (Undo) Name() string                    { return "Undo" }
func (Redo) Name() string                    { return "Redo" }
func (PromoteNodeToActive) Name() string     { return "PromoteNodeToActive" }
func (DemoteNodeToWarm) Name() string        { return "DemoteNodeToWarm" }
func (DemoteNodeToCold) Name() string        { return "DemoteNodeToCold" }
func (MapWebviewToNode) Name() string        { return "MapWebviewToNode" }
func (UnmapWebview) Name() string            { return "UnmapWebview" }
func (WebViewCrashed) Name() string          { return "WebViewCrashed" }
func (RetryCrashedNode) Name() string        { return "RetryCrashedNode" }
func (SetNodeThumbnail) Name() string        { return "SetNodeThumbnail" }
func (SetNodeFavicon) Name() string          { return "SetNodeFavicon" }
func (SelectNode) Name() string              { return "SelectNode" }
func (ToggleCommandPalette) Name() string    { return "ToggleCommandPalette" }
func (OpenSettingsURL) Name() string         { return "OpenSettingsUrl" }
func (OpenNodeWorkspaceRouted) Name() string { return "OpenNodeWorkspaceRouted" }
func (ToggleTileView) Name() string          { return "ToggleTileView" }
func (CloseNodeTile) Name() string           { return "CloseNodeTile" }
func (FocusTile) Name() string               { return "FocusTile" }
func (SetOmnibarQuery) Name() string         { return "SetOmnibarQuery" }
func (SubmitOmnibar) Name() string           { return "SubmitOmnibar" }

// Classify reports whether i changes the graph. Undo and Redo replace the
// graph wholesale and count as Mutating; lifecycle, thumbnail and favicon
// intents only touch runtime attachments and are Transient.
func Classify(i Intent) Class {
	if Undoable(i) {
		return Mutating
	}
	switch i.(type) {
	case Undo, Redo:
		return Mutating
	}
	return Transient
}

// Undoable reports whether applying i should capture an undo checkpoint.
func Undoable(i Intent) bool {
	switch i.(type) {
	case AddNode, RemoveNode, SetNodeURL, SetNodeTitle, SetNodePinned,
		SetNodePosition, TagNode, UntagNode, CreateUserGroupedEdge,
		CreateNavigationEdge, RemoveEdge, ClearGraph, SuggestSemanticEdges:
		return true
	}
	return false
}

// IsHistory reports whether i is an undo or redo request.
func IsHistory(i Intent) bool {
	switch i.(type) {
	case Undo, Redo:
		return true
	}
	return false
}

// Workbench reports whether i is handled by the tile render pass rather
// than Finalize.
func Workbench(i Intent) bool {
	switch i.(type) {
	case OpenNodeWorkspaceRouted, ToggleTileView, CloseNodeTile, OpenSettingsURL, FocusTile:
		return true
	}
	return false
}

// NeedsCheckpoint reports whether a frame that applied batch must capture an
// undo checkpoint.
func NeedsCheckpoint(batch []Intent) bool {
	for _, i := range batch {
		if Undoable(i) {
			return true
		}
	}
	return false
}
