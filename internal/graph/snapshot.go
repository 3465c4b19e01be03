package graph

// Snapshot is a deep, serializable copy of the graph.
type Snapshot struct {
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
	NextKey Key    `json:"next_key"`
}

// Snapshot captures the current graph.
func (g *Graph) Snapshot() *Snapshot {
	return &Snapshot{
		Nodes:   g.Nodes(),
		Edges:   g.Edges(),
		NextKey: g.nextKey,
	}
}

// Restore replaces the graph contents with s. The key counter never moves
// backwards, so keys handed out after a restore stay unique.
func (g *Graph) Restore(s *Snapshot) {
	g.Clear()
	if s == nil {
		return
	}
	for i := range s.Nodes {
		n := s.Nodes[i].clone()
		g.nodes[n.Key] = n
		g.byID[n.ID] = n.Key
		if n.Key >= g.nextKey {
			g.nextKey = n.Key + 1
		}
	}
	for _, e := range s.Edges {
		if g.Contains(e.From) && g.Contains(e.To) {
			g.edges = append(g.edges, e)
		}
	}
	if s.NextKey > g.nextKey {
		g.nextKey = s.NextKey
	}
}
