package spatial

import (
	"math/rand"
	"slices"
	"testing"

	"graphshell/internal/graph"
)

func pt(x, y float64) graph.Point { return graph.Point{X: x, Y: y} }

func TestNodesWithCenterInRect_EdgeWithinEpsilon(t *testing.T) {
	idx := Build([]Entry{
		{Key: 1, Center: pt(0, 0), Radius: 5},
		{Key: 2, Center: pt(10, 10), Radius: 5},
		{Key: 3, Center: pt(10.0005, 5), Radius: 5},
		{Key: 4, Center: pt(10.01, 5), Radius: 5},
	})
	got := idx.NodesWithCenterInRect(Rect{Min: pt(0, 0), Max: pt(10, 10)})
	want := []graph.Key{1, 2, 3}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNodesWithCenterInRect_ReversedRect(t *testing.T) {
	idx := Build([]Entry{{Key: 7, Center: pt(3, 3), Radius: 1}})
	got := idx.NodesWithCenterInRect(Rect{Min: pt(5, 5), Max: pt(0, 0)})
	if !slices.Equal(got, []graph.Key{7}) {
		t.Errorf("got %v", got)
	}
}

func TestNodesInRect_CircleIntersection(t *testing.T) {
	idx := Build([]Entry{
		{Key: 1, Center: pt(-3, 5), Radius: 4},   // reaches x=1
		{Key: 2, Center: pt(-3, -3), Radius: 4},  // corner distance sqrt(18) > 4
		{Key: 3, Center: pt(-3, -3), Radius: 4.5}, // corner distance sqrt(18) < 4.5
		{Key: 4, Center: pt(50, 50), Radius: 1},
	})
	got := idx.NodesInRect(Rect{Min: pt(0, 0), Max: pt(10, 10)})
	want := []graph.Key{1, 3}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNodesWithCenterInRect_MatchesLinearScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var entries []Entry
	for i := 1; i <= 500; i++ {
		entries = append(entries, Entry{
			Key:    graph.Key(i),
			Center: pt(rng.Float64()*1000, rng.Float64()*1000),
			Radius: rng.Float64() * 20,
		})
	}
	idx := Build(entries)
	if idx.Len() != 500 {
		t.Fatalf("Len = %d", idx.Len())
	}

	for q := 0; q < 50; q++ {
		r := Rect{
			Min: pt(rng.Float64()*1000, rng.Float64()*1000),
			Max: pt(rng.Float64()*1000, rng.Float64()*1000),
		}
		expanded := r.Normalized().Expand(Epsilon)
		var want []graph.Key
		for _, e := range entries {
			if expanded.ContainsPoint(e.Center) {
				want = append(want, e.Key)
			}
		}
		got := idx.NodesWithCenterInRect(r)
		if !slices.Equal(got, want) {
			t.Fatalf("query %d: got %d keys, want %d", q, len(got), len(want))
		}
	}
}

func TestFromGraph(t *testing.T) {
	g := graph.New()
	a, _ := g.AddNode("https://a", pt(1, 1))
	_, _ = g.AddNode("https://b", pt(100, 100))
	idx := FromGraph(g, 10)
	got := idx.NodesWithCenterInRect(Rect{Min: pt(0, 0), Max: pt(2, 2)})
	if !slices.Equal(got, []graph.Key{a}) {
		t.Errorf("got %v", got)
	}
}
