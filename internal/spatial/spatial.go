package spatial

import (
	"math"
	"slices"

	"github.com/tidwall/rtree"

	"graphshell/internal/graph"
)

// Epsilon expands query rects for center containment so points lying on an
// edge are not lost to float rounding.
const Epsilon = 1e-3

// Rect is an axis-aligned canvas rectangle.
type Rect struct {
	Min, Max graph.Point
}

// Normalized returns r with Min <= Max on both axes, so lasso rects dragged
// in any direction behave the same.
func (r Rect) Normalized() Rect {
	return Rect{
		Min: graph.Point{X: math.Min(r.Min.X, r.Max.X), Y: math.Min(r.Min.Y, r.Max.Y)},
		Max: graph.Point{X: math.Max(r.Min.X, r.Max.X), Y: math.Max(r.Min.Y, r.Max.Y)},
	}
}

// Expand grows r by d on every side.
func (r Rect) Expand(d float64) Rect {
	return Rect{
		Min: graph.Point{X: r.Min.X - d, Y: r.Min.Y - d},
		Max: graph.Point{X: r.Max.X + d, Y: r.Max.Y + d},
	}
}

// ContainsPoint reports whether p lies inside r, borders included.
func (r Rect) ContainsPoint(p graph.Point) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// Entry is one indexed node.
type Entry struct {
	Key    graph.Key
	Center graph.Point
	Radius float64
}

// Index answers lasso queries over node positions.
type Index struct {
	tree    rtree.RTreeG[Entry]
	entries int
}

// Build loads entries into a fresh index.
func Build(entries []Entry) *Index {
	idx := &Index{}
	for _, e := range entries {
		r := math.Abs(e.Radius)
		e.Radius = r
		idx.tree.Insert(
			[2]float64{e.Center.X - r, e.Center.Y - r},
			[2]float64{e.Center.X + r, e.Center.Y + r},
			e,
		)
		idx.entries++
	}
	return idx
}

// FromGraph indexes every node of g with the given radius.
func FromGraph(g *graph.Graph, radius float64) *Index {
	nodes := g.Nodes()
	entries := make([]Entry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, Entry{Key: n.Key, Center: n.Position, Radius: radius})
	}
	return Build(entries)
}

// Len returns the number of indexed entries.
func (idx *Index) Len() int {
	return idx.entries
}

// NodesInRect returns keys whose bounding circle intersects r, ascending.
func (idx *Index) NodesInRect(r Rect) []graph.Key {
	r = r.Normalized()
	var out []graph.Key
	idx.search(r, func(e Entry) {
		if circleIntersectsRect(e.Center, e.Radius, r) {
			out = append(out, e.Key)
		}
	})
	return sortKeys(out)
}

// NodesWithCenterInRect returns keys whose center lies in r expanded by
// Epsilon, ascending.
func (idx *Index) NodesWithCenterInRect(r Rect) []graph.Key {
	r = r.Normalized().Expand(Epsilon)
	var out []graph.Key
	idx.search(r, func(e Entry) {
		if r.ContainsPoint(e.Center) {
			out = append(out, e.Key)
		}
	})
	return sortKeys(out)
}

func (idx *Index) search(r Rect, fn func(Entry)) {
	idx.tree.Search(
		[2]float64{r.Min.X, r.Min.Y},
		[2]float64{r.Max.X, r.Max.Y},
		func(_, _ [2]float64, e Entry) bool {
			fn(e)
			return true
		},
	)
}

func circleIntersectsRect(c graph.Point, radius float64, r Rect) bool {
	dx := c.X - math.Max(r.Min.X, math.Min(c.X, r.Max.X))
	dy := c.Y - math.Max(r.Min.Y, math.Min(c.Y, r.Max.Y))
	return dx*dx+dy*dy <= radius*radius
}

func sortKeys(keys []graph.Key) []graph.Key {
	slices.Sort(keys)
	return keys
}
