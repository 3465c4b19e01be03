package graph

import (
	"cmp"
	"net/url"
	"slices"
)

// Trail is one connected group of pages: everything reachable from its root
// over edges of any type, ignoring direction. The root is the earliest
// opened page, the one with the smallest key.
type Trail struct {
	Root    string `json:"root"`
	RootURL string `json:"root_url"`
	Size    int    `json:"size"`
	Live    int    `json:"live"`
	Pinned  int    `json:"pinned"`
	Hosts   int    `json:"hosts"`
}

// LaunchPad is a page many other pages were opened from.
type LaunchPad struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Opened int    `json:"opened"`
	Links  int    `json:"links"`
}

// FanOutBucket counts pages by how many pages were opened from them.
type FanOutBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// TrailReport describes how browsing spread over the graph.
type TrailReport struct {
	TotalNodes    int              `json:"total_nodes"`
	TotalEdges    int              `json:"total_edges"`
	EdgeTypes     map[EdgeType]int `json:"edge_types"`
	NumTrails     int              `json:"num_trails"`
	LargestTrail  int              `json:"largest_trail"`
	SmallestTrail int              `json:"smallest_trail"`
	Trails        []Trail          `json:"trails"`
	LooseCount    int              `json:"loose_count"`
	LooseIDs      []string         `json:"loose_ids"`
	FanOut        []FanOutBucket   `json:"fan_out"`
	LaunchPads    []LaunchPad      `json:"launch_pads"`
}

var fanOutLabels = []string{"0", "1", "2-3", "4-9", "10+"}

func fanOutBucket(opened int) int {
	switch {
	case opened <= 1:
		return opened
	case opened <= 3:
		return 2
	case opened <= 9:
		return 3
	}
	return 4
}

// undirected returns the distinct neighbours of every linked node. Parallel
// edges of different types collapse into one link.
func (g *Graph) undirected() map[Key][]Key {
	nb := make(map[Key][]Key, len(g.nodes))
	linked := make(map[[2]Key]bool, len(g.edges))
	for _, e := range g.edges {
		pair := [2]Key{min(e.From, e.To), max(e.From, e.To)}
		if linked[pair] {
			continue
		}
		linked[pair] = true
		nb[e.From] = append(nb[e.From], e.To)
		nb[e.To] = append(nb[e.To], e.From)
	}
	return nb
}

func host(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Trails groups the graph into trails and ranks the pages that launched the
// most navigation. A page is a launch pad when it opened more than
// padThreshold pages. Trails, loose pages and launch pads are capped at topN
// entries each; the counts cover everything.
func (g *Graph) Trails(padThreshold, topN int) *TrailReport {
	r := &TrailReport{
		TotalNodes: len(g.nodes),
		TotalEdges: len(g.edges),
		EdgeTypes:  make(map[EdgeType]int),
		FanOut:     make([]FanOutBucket, len(fanOutLabels)),
	}
	for i, l := range fanOutLabels {
		r.FanOut[i].Label = l
	}

	opened := make(map[Key]int)
	for _, e := range g.edges {
		r.EdgeTypes[e.Type]++
		if e.Type == Navigation {
			opened[e.From]++
		}
	}
	nb := g.undirected()

	seen := make(map[Key]bool, len(g.nodes))
	for _, root := range g.Keys() {
		n := g.nodes[root]
		r.FanOut[fanOutBucket(opened[root])].Count++
		if len(nb[root]) == 0 {
			r.LooseCount++
			r.LooseIDs = append(r.LooseIDs, n.ID)
		}
		if opened[root] > padThreshold {
			r.LaunchPads = append(r.LaunchPads, LaunchPad{
				ID:     n.ID,
				Title:  n.Title,
				Opened: opened[root],
				Links:  len(nb[root]),
			})
		}
		if seen[root] {
			continue
		}
		r.Trails = append(r.Trails, g.walkTrail(root, nb, seen))
	}

	r.NumTrails = len(r.Trails)
	if r.NumTrails > 0 {
		r.SmallestTrail = r.TotalNodes
	}
	for _, t := range r.Trails {
		r.LargestTrail = max(r.LargestTrail, t.Size)
		r.SmallestTrail = min(r.SmallestTrail, t.Size)
	}

	// Largest trails first; ties keep the older root first.
	slices.SortStableFunc(r.Trails, func(a, b Trail) int { return cmp.Compare(b.Size, a.Size) })
	slices.SortStableFunc(r.LaunchPads, func(a, b LaunchPad) int { return cmp.Compare(b.Opened, a.Opened) })
	slices.Sort(r.LooseIDs)
	r.Trails = r.Trails[:min(len(r.Trails), topN)]
	r.LaunchPads = r.LaunchPads[:min(len(r.LaunchPads), topN)]
	r.LooseIDs = r.LooseIDs[:min(len(r.LooseIDs), topN)]
	return r
}

// walkTrail visits the trail containing root breadth first and marks its
// pages in seen.
func (g *Graph) walkTrail(root Key, nb map[Key][]Key, seen map[Key]bool) Trail {
	rn := g.nodes[root]
	t := Trail{Root: rn.ID, RootURL: rn.URL}
	hosts := make(map[string]bool)
	seen[root] = true
	for queue := []Key{root}; len(queue) > 0; queue = queue[1:] {
		n := g.nodes[queue[0]]
		t.Size++
		if n.Lifecycle == Active || n.Lifecycle == Warm {
			t.Live++
		}
		if n.Pinned {
			t.Pinned++
		}
		if h := host(n.URL); h != "" {
			hosts[h] = true
		}
		for _, m := range nb[n.Key] {
			if !seen[m] {
				seen[m] = true
				queue = append(queue, m)
			}
		}
	}
	t.Hosts = len(hosts)
	return t
}
