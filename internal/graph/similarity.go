package graph

import (
	"sort"
	"strings"
)

// SimilarPair is a pair of nodes whose tag sets overlap.
type SimilarPair struct {
	A, B       Key
	Similarity float64
}

// semanticTags returns the user tags of n, excluding reserved ones.
func semanticTags(n *Node) []string {
	var out []string
	for _, t := range n.Tags {
		if !strings.HasPrefix(t, "#") {
			out = append(out, t)
		}
	}
	return out
}

// JaccardSimilarity computes |a∩b| / |a∪b| over two sorted tag lists.
// Returns 0 when both are empty.
func JaccardSimilarity(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	i, j, inter := 0, 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			inter++
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// FindSimilar returns node pairs with tag similarity >= minSimilarity,
// most similar first. Ties order by keys.
func (g *Graph) FindSimilar(minSimilarity float64) []SimilarPair {
	keys := g.Keys()
	var results []SimilarPair
	for i, ka := range keys {
		ta := semanticTags(g.nodes[ka])
		if len(ta) == 0 {
			continue
		}
		for _, kb := range keys[i+1:] {
			sim := JaccardSimilarity(ta, semanticTags(g.nodes[kb]))
			if sim > 0 && sim >= minSimilarity {
				results = append(results, SimilarPair{A: ka, B: kb, Similarity: sim})
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	return results
}

// SuggestSemanticEdges links every pair found by FindSimilar with a
// SemanticSimilarity edge and returns how many edges were new.
func (g *Graph) SuggestSemanticEdges(minSimilarity float64) int {
	before := len(g.edges)
	for _, p := range g.FindSimilar(minSimilarity) {
		_ = g.AddEdge(p.A, p.B, SemanticSimilarity)
	}
	return len(g.edges) - before
}

// GroupBySemanticTags clusters nodes that share at least one user tag,
// transitively. Untagged nodes are left out. Groups are sorted by their
// smallest key.
func (g *Graph) GroupBySemanticTags() [][]Key {
	byTag := make(map[string][]Key)
	var tagged []Key
	for _, k := range g.Keys() {
		tags := semanticTags(g.nodes[k])
		if len(tags) == 0 {
			continue
		}
		tagged = append(tagged, k)
		for _, t := range tags {
			byTag[t] = append(byTag[t], k)
		}
	}

	ds := newDisjointSet(tagged)
	for _, members := range byTag {
		for _, m := range members[1:] {
			ds.union(members[0], m)
		}
	}
	return ds.sets()
}
