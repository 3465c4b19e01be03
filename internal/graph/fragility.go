package graph

import (
	"cmp"
	"slices"
)

// CutPage is a page whose removal splits its trail. Splits is the number of
// extra trails left behind.
type CutPage struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Splits int    `json:"splits"`
}

// CutLink is a link whose removal splits its trail. From sorts before To.
type CutLink struct {
	From      string `json:"from"`
	To        string `json:"to"`
	FromTitle string `json:"from_title"`
	ToTitle   string `json:"to_title"`
}

// FragilityReport lists the single points of failure of every trail.
type FragilityReport struct {
	CutPages []CutPage `json:"cut_pages"`
	CutLinks []CutLink `json:"cut_links"`
}

// Fragility finds the pages and links that hold trails together, using the
// lowpoint depth-first search over undirected links.
func (g *Graph) Fragility() *FragilityReport {
	nb := g.undirected()
	order := make(map[Key]int, len(g.nodes))
	low := make(map[Key]int, len(g.nodes))
	splits := make(map[Key]int)
	var links [][2]Key

	// Keys start at 1, so 0 marks a trail root.
	var visit func(k, parent Key)
	visit = func(k, parent Key) {
		order[k] = len(order) + 1
		low[k] = order[k]
		children := 0
		for _, m := range nb[k] {
			if m == parent {
				continue
			}
			if order[m] != 0 {
				low[k] = min(low[k], order[m])
				continue
			}
			children++
			visit(m, k)
			low[k] = min(low[k], low[m])
			if low[m] > order[k] {
				links = append(links, [2]Key{k, m})
			}
			if parent != 0 && low[m] >= order[k] {
				splits[k]++
			}
		}
		if parent == 0 && children > 1 {
			splits[k] = children - 1
		}
	}
	for _, k := range g.Keys() {
		if order[k] == 0 {
			visit(k, 0)
		}
	}

	r := &FragilityReport{}
	for k, n := range splits {
		node := g.nodes[k]
		r.CutPages = append(r.CutPages, CutPage{ID: node.ID, Title: node.Title, Splits: n})
	}
	slices.SortFunc(r.CutPages, func(a, b CutPage) int {
		if c := cmp.Compare(b.Splits, a.Splits); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	for _, l := range links {
		a, b := g.nodes[l[0]], g.nodes[l[1]]
		if b.ID < a.ID {
			a, b = b, a
		}
		r.CutLinks = append(r.CutLinks, CutLink{From: a.ID, To: b.ID, FromTitle: a.Title, ToTitle: b.Title})
	}
	slices.SortFunc(r.CutLinks, func(a, b CutLink) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.To, b.To)
	})
	return r
}
