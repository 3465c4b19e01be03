package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"graphshell/internal/db"
	"graphshell/internal/graph"
)

var (
	statsJSON         bool
	statsTopN         int
	statsPadThreshold int
	snapshotsLimit    int
	pruneKeep         int
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect the persisted node graph",
}

var graphStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Trail, fragility and lifecycle report of the latest graph snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		snap, info, err := d.LatestSnapshot(cmd.Context())
		if errors.Is(err, db.ErrNotFound) {
			fmt.Fprintln(cmd.OutOrStdout(), "No graph snapshot stored yet.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading graph: %w", err)
		}

		g := graph.New()
		g.Restore(snap)
		report := g.Analyze(statsPadThreshold, statsTopN)

		if statsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Snapshot db.SnapshotInfo `json:"snapshot"`
				*graph.Report
			}{info, report})
		}

		printStats(cmd.OutOrStdout(), g, info, report)
		return nil
	},
}

var graphSnapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List stored graph snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		list, err := d.Snapshots(cmd.Context(), snapshotsLimit)
		if err != nil {
			return fmt.Errorf("listing snapshots: %w", err)
		}
		w := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(w, "No graph snapshot stored yet.")
			return nil
		}
		for _, s := range list {
			fmt.Fprintf(w, "  #%-6d %5d nodes %5d edges  %s\n",
				s.ID, s.NodeCount, s.EdgeCount, humanize.Time(s.TakenAt))
		}
		return nil
	},
}

var graphPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest graph snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneKeep < 1 {
			return fmt.Errorf("--keep must be at least 1, got %d", pruneKeep)
		}
		d, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		n, err := d.PruneSnapshots(cmd.Context(), pruneKeep)
		if err != nil {
			return fmt.Errorf("pruning snapshots: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s snapshot(s), kept %d.\n", humanize.Comma(n), pruneKeep)
		return nil
	},
}

func init() {
	graphStatsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output as JSON")
	graphStatsCmd.Flags().IntVar(&statsTopN, "top-n", 10, "Number of top items to show per section")
	graphStatsCmd.Flags().IntVar(&statsPadThreshold, "pad-threshold", 5, "Pages a node must have opened to count as a launch pad")
	graphSnapshotsCmd.Flags().IntVar(&snapshotsLimit, "limit", 20, "Maximum snapshots to list")
	graphPruneCmd.Flags().IntVar(&pruneKeep, "keep", 10, "Snapshots to keep")
	graphCmd.AddCommand(graphStatsCmd, graphSnapshotsCmd, graphPruneCmd)
	rootCmd.AddCommand(graphCmd)
}

func printStats(w io.Writer, g *graph.Graph, info db.SnapshotInfo, report *graph.Report) {
	barLen := min(int(report.HealthScore*20), 20)
	bar := strings.Repeat("█", barLen) + strings.Repeat("░", 20-barLen)
	fmt.Fprintf(w, "\n  Snapshot #%d, taken %s\n", info.ID, humanize.Time(info.TakenAt))
	fmt.Fprintf(w, "  Graph Health: %.0f%%  [%s]\n", report.HealthScore*100, bar)
	fmt.Fprintf(w, "  breakdown: connectivity=%.2f cohesion=%.2f robustness=%.2f\n\n",
		report.HealthBreakdown.Connectivity,
		report.HealthBreakdown.Cohesion,
		report.HealthBreakdown.Robustness)

	titles := make(map[string]string)
	var imageBytes uint64
	for _, n := range g.Nodes() {
		titles[n.ID] = n.Title
		if n.Thumbnail != nil {
			imageBytes += uint64(len(n.Thumbnail.Data))
		}
		if n.Favicon != nil {
			imageBytes += uint64(len(n.Favicon.Data))
		}
	}

	t := report.Trails
	fmt.Fprintln(w, "  TRAILS")
	fmt.Fprintln(w, "  ────────────────────────────────────────")
	fmt.Fprintf(w, "  Pages: %d  Links: %d  Trails: %d\n", t.TotalNodes, t.TotalEdges, t.NumTrails)
	fmt.Fprintf(w, "  Links by kind: navigation=%d grouped=%d semantic=%d\n",
		t.EdgeTypes[graph.Navigation], t.EdgeTypes[graph.UserGrouped], t.EdgeTypes[graph.SemanticSimilarity])
	fmt.Fprintf(w, "  Semantic groups: %d  Attached images: %s\n", report.SemanticGroups, humanize.Bytes(imageBytes))
	for _, tr := range t.Trails {
		fmt.Fprintf(w, "    %-50s %3d pages %2d hosts %2d live %2d pinned\n",
			truncTitle(tr.RootURL, 50), tr.Size, tr.Hosts, tr.Live, tr.Pinned)
	}

	if t.LooseCount > 0 {
		fmt.Fprintf(w, "  Loose pages: %d without links\n", t.LooseCount)
		for _, id := range t.LooseIDs[:min(len(t.LooseIDs), 5)] {
			fmt.Fprintf(w, "    - %s (%s)\n", truncID(id), truncTitle(titles[id], 50))
		}
		if t.LooseCount > 5 {
			fmt.Fprintf(w, "    ... and %d more\n", t.LooseCount-5)
		}
	}

	fmt.Fprintln(w, "\n  Pages opened from each page:")
	for _, b := range t.FanOut {
		if b.Count > 0 {
			barWidth := max(int(math.Log2(float64(b.Count)))+2, 1)
			fmt.Fprintf(w, "    %5s: %4d  %s\n", b.Label, b.Count, strings.Repeat("=", barWidth))
		}
	}

	if len(t.LaunchPads) > 0 {
		fmt.Fprintln(w, "\n  Launch pads:")
		for _, p := range t.LaunchPads {
			fmt.Fprintf(w, "    %s opened=%d links=%d  %s\n",
				truncID(p.ID), p.Opened, p.Links, truncTitle(p.Title, 40))
		}
	}

	fmt.Fprintln(w, "\n  LIFECYCLE")
	fmt.Fprintln(w, "  ────────────────────────────────────────")
	for _, l := range []graph.Lifecycle{graph.Active, graph.Warm, graph.Cold, graph.Crashed} {
		fmt.Fprintf(w, "  %-8s %d\n", l, report.Lifecycle[l])
	}

	fr := report.Fragility
	if len(fr.CutPages) > 0 || len(fr.CutLinks) > 0 {
		fmt.Fprintln(w, "\n  STRUCTURAL FRAGILITY")
		fmt.Fprintln(w, "  ────────────────────────────────────────")
		if len(fr.CutPages) > 0 {
			fmt.Fprintf(w, "  %d pages hold a trail together:\n", len(fr.CutPages))
			for _, p := range fr.CutPages[:min(len(fr.CutPages), 10)] {
				fmt.Fprintf(w, "    %s closing it leaves %d more trail(s)  %s\n", truncID(p.ID), p.Splits, truncTitle(p.Title, 40))
			}
		}
		if len(fr.CutLinks) > 0 {
			fmt.Fprintf(w, "  %d links hold a trail together:\n", len(fr.CutLinks))
			for _, l := range fr.CutLinks[:min(len(fr.CutLinks), 10)] {
				fmt.Fprintf(w, "    %s -> %s\n", truncTitle(l.FromTitle, 30), truncTitle(l.ToTitle, 30))
			}
		}
	}

	fmt.Fprintln(w)
}

func truncID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncTitle(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
