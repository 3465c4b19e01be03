package graph

import (
	"cmp"
	"slices"
)

// disjointSet is union-find with path halving and union by size, over any
// ordered element type.
type disjointSet[T cmp.Ordered] struct {
	parent map[T]T
	size   map[T]int
}

func newDisjointSet[T cmp.Ordered](elems []T) *disjointSet[T] {
	s := &disjointSet[T]{
		parent: make(map[T]T, len(elems)),
		size:   make(map[T]int, len(elems)),
	}
	for _, e := range elems {
		s.parent[e] = e
		s.size[e] = 1
	}
	return s
}

// find returns the representative of x. Unknown elements are their own set.
func (s *disjointSet[T]) find(x T) T {
	for {
		p, ok := s.parent[x]
		if !ok || p == x {
			return x
		}
		gp := s.parent[p]
		s.parent[x] = gp
		x = gp
	}
}

// union merges the sets of a and b and reports whether they were separate.
func (s *disjointSet[T]) union(a, b T) bool {
	ra, rb := s.find(a), s.find(b)
	if ra == rb {
		return false
	}
	if s.size[ra] < s.size[rb] {
		ra, rb = rb, ra
	}
	s.parent[rb] = ra
	s.size[ra] += s.size[rb]
	return true
}

// sets returns every set with its members sorted, ordered by first member.
func (s *disjointSet[T]) sets() [][]T {
	groups := make(map[T][]T)
	for e := range s.parent {
		r := s.find(e)
		groups[r] = append(groups[r], e)
	}
	out := make([][]T, 0, len(groups))
	for _, members := range groups {
		slices.Sort(members)
		out = append(out, members)
	}
	slices.SortFunc(out, func(a, b []T) int { return cmp.Compare(a[0], b[0]) })
	return out
}
