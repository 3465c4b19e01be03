package graph

import "math"

// HealthBreakdown shows the sub-scores of the health formula.
type HealthBreakdown struct {
	Connectivity float64 `json:"connectivity"`
	Cohesion     float64 `json:"cohesion"`
	Robustness   float64 `json:"robustness"`
}

// Report is the full analysis result shown by `graph stats`.
type Report struct {
	HealthScore     float64           `json:"health_score"`
	HealthBreakdown HealthBreakdown   `json:"health_breakdown"`
	Trails          *TrailReport      `json:"trails"`
	Fragility       *FragilityReport  `json:"fragility"`
	SemanticGroups  int               `json:"semantic_groups"`
	Lifecycle       map[Lifecycle]int `json:"lifecycle"`
}

// Analyze runs all analyses and computes a composite health score. Loose
// pages hurt connectivity, many separate trails hurt cohesion and cut pages
// hurt robustness.
func (g *Graph) Analyze(padThreshold, topN int) *Report {
	trails := g.Trails(padThreshold, topN)
	fragility := g.Fragility()

	total := float64(trails.TotalNodes)
	var connectivity, cohesion, robustness float64
	if total > 0 {
		connectivity = clamp(1.0-math.Min(float64(trails.LooseCount)/total, 0.2)*5.0, 0, 1)
		robustness = clamp(1.0-math.Min(float64(len(fragility.CutPages))/total, 0.05)*20.0, 0, 1)
	}
	if trails.NumTrails > 0 {
		cohesion = 1.0 / float64(trails.NumTrails)
	}

	lifecycle := make(map[Lifecycle]int)
	for _, n := range g.nodes {
		lifecycle[n.Lifecycle]++
	}

	return &Report{
		HealthScore: 0.40*connectivity + 0.35*cohesion + 0.25*robustness,
		HealthBreakdown: HealthBreakdown{
			Connectivity: connectivity,
			Cohesion:     cohesion,
			Robustness:   robustness,
		},
		Trails:         trails,
		Fragility:      fragility,
		SemanticGroups: len(g.GroupBySemanticTags()),
		Lifecycle:      lifecycle,
	}
}

func clamp(val, lo, hi float64) float64 {
	return math.Max(lo, math.Min(val, hi))
}
