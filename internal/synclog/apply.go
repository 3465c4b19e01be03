package synclog

import (
	"fmt"

	"graphshell/internal/graph"
)

// ApplyToGraph performs the mutation described by i on g. Nodes are resolved
// by global id; remotely created nodes keep their author's id.
func ApplyToGraph(g *graph.Graph, i SyncedIntent) error {
	p := i.Payload
	if p.Op == OpAddNode {
		if _, exists := g.KeyForID(p.NodeID); exists {
			return nil
		}
		_, err := g.AddNodeWithID(p.NodeID, p.URL, graph.Point{X: p.X, Y: p.Y})
		return err
	}

	k, ok := g.KeyForID(p.NodeID)
	if !ok {
		return fmt.Errorf("%w: unknown node id %s", graph.ErrInvalidKey, p.NodeID)
	}
	switch p.Op {
	case OpRemoveNode:
		_, err := g.RemoveNode(k)
		return err
	case OpUpdateTitle:
		return g.SetTitle(k, p.Title)
	case OpUpdateURL:
		return g.SetURL(k, p.URL)
	case OpSetPosition:
		return g.SetPosition(k, graph.Point{X: p.X, Y: p.Y})
	case OpTagNode:
		return g.Tag(k, p.Tag)
	case OpUntagNode:
		return g.Untag(k, p.Tag)
	case OpAddEdge, OpRemoveEdge:
		to, ok := g.KeyForID(p.ToID)
		if !ok {
			return fmt.Errorf("%w: unknown node id %s", graph.ErrInvalidKey, p.ToID)
		}
		if p.Op == OpAddEdge {
			return g.AddEdge(k, to, graph.EdgeType(p.EdgeType))
		}
		g.RemoveEdge(k, to, graph.EdgeType(p.EdgeType))
		return nil
	}
	return fmt.Errorf("unknown sync op %q", p.Op)
}
