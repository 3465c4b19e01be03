package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"graphshell/internal/binder"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
	"graphshell/internal/tiles"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClassify(t *testing.T) {
	tests := []struct {
		mib  uint64
		pct  float64
		want Level
	}{
		{8192, 50, PressureNormal},
		{1025, 15.1, PressureNormal},
		{1024, 40, PressureWarning},
		{4096, 15, PressureWarning},
		{512, 40, PressureCritical},
		{4096, 8, PressureCritical},
		{100, 1, PressureCritical},
	}
	for _, tt := range tests {
		if got := Classify(tt.mib, tt.pct); got != tt.want {
			t.Errorf("Classify(%d, %.1f) = %s, want %s", tt.mib, tt.pct, got, tt.want)
		}
	}
}

func TestEffectiveLimit(t *testing.T) {
	tests := []struct {
		base  int
		level Level
		want  int
	}{
		{4, PressureNormal, 4},
		{4, PressureUnknown, 4},
		{4, PressureWarning, 3},
		{1, PressureWarning, 1},
		{4, PressureCritical, 1},
		{0, PressureNormal, 1},
	}
	for _, tt := range tests {
		if got := EffectiveLimit(tt.base, tt.level); got != tt.want {
			t.Errorf("EffectiveLimit(%d, %s) = %d, want %d", tt.base, tt.level, got, tt.want)
		}
	}
}

func testBackpressure() *Backpressure {
	return NewBackpressure(BackpressureSettings{
		MaxConcurrent:      2,
		CreatesPerSecond:   100,
		Burst:              100,
		ConfirmationWindow: 2 * time.Second,
		CreationTimeout:    8 * time.Second,
		MaxRetries:         3,
		CooldownMin:        time.Second,
		CooldownMax:        8 * time.Second,
	})
}

func TestBackpressure_GlobalCap(t *testing.T) {
	bp := testBackpressure()
	for k := graph.Key(1); k <= 2; k++ {
		if err := bp.Admit(k, epoch); err != nil {
			t.Fatalf("Admit(%d): %v", k, err)
		}
		bp.Begin(k, engine.Handle(k), epoch)
	}
	if err := bp.Admit(1, epoch); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("second creation for node 1: err = %v", err)
	}
	if err := bp.Admit(3, epoch); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("third concurrent creation: err = %v", err)
	}
	bp.Confirm(1)
	if got := bp.State(1); got != Idle {
		t.Errorf("state after confirm = %s", got)
	}
	if err := bp.Admit(3, epoch); err != nil {
		t.Errorf("Admit after confirm: %v", err)
	}
}

func TestBackpressure_BackoffThenCooldown(t *testing.T) {
	bp := testBackpressure()
	now := epoch

	bp.Begin(1, 1, now)
	if bp.Fail(1, now) {
		t.Fatal("first failure should not exhaust")
	}
	if bp.State(1) != Failed || bp.Attempts(1) != 1 {
		t.Fatalf("state = %s attempts = %d", bp.State(1), bp.Attempts(1))
	}
	if err := bp.Admit(1, now.Add(500*time.Millisecond)); err == nil {
		t.Error("retry allowed before backoff elapsed")
	}
	if err := bp.Admit(1, now.Add(time.Second)); err != nil {
		t.Errorf("retry after 1s backoff: %v", err)
	}

	bp.Begin(1, 2, now)
	if bp.Fail(1, now) {
		t.Fatal("second failure should not exhaust")
	}
	if err := bp.Admit(1, now.Add(1500*time.Millisecond)); err == nil {
		t.Error("second backoff should be 2s")
	}

	bp.Begin(1, 3, now)
	if !bp.Fail(1, now) {
		t.Fatal("third failure should exhaust retries")
	}
	if bp.State(1) != Cooldown {
		t.Fatalf("state = %s, want cooldown", bp.State(1))
	}
	if err := bp.Admit(1, now.Add(3*time.Second)); err == nil {
		t.Error("creation allowed during cooldown")
	}
	if err := bp.Admit(1, now.Add(4*time.Second)); err != nil {
		t.Errorf("creation after cooldown: %v", err)
	}
}

func TestBackpressure_BackoffCapped(t *testing.T) {
	bp := testBackpressure()
	if got := bp.backoff(10); got != 8*time.Second {
		t.Errorf("backoff(10) = %s, want 8s", got)
	}
}

type harness struct {
	g        *graph.Graph
	tree     *tiles.Tree
	eng      *engine.Headless
	b        *binder.Binder
	rec      *diagnostics.Recorder
	pressure *StaticPressure
	r        *Reconciler
	now      time.Time
	tick     uint64
}

func newHarness(t *testing.T, activeLimit int) *harness {
	t.Helper()
	h := &harness{
		g:        graph.New(),
		tree:     tiles.NewWithGraph(),
		eng:      engine.NewHeadless(64),
		rec:      diagnostics.NewRecorder(zap.NewNop(), 0),
		pressure: NewStaticPressure(PressureNormal),
		now:      epoch,
	}
	h.b = binder.New(h.eng, zap.NewNop(), h.rec)
	h.r = NewReconciler(Settings{ActiveLimit: activeLimit, WarmLimit: 12},
		h.g, h.tree, h.b, h.eng, testBackpressure(), h.pressure, zap.NewNop(), h.rec)
	return h
}

// frame runs one reconcile and applies its intents the way Finalize does.
func (h *harness) frame(t *testing.T, selected graph.Key) Result {
	t.Helper()
	h.tick++
	h.now = h.now.Add(100 * time.Millisecond)
	visible := h.tree.Visible(tiles.Rect{W: 1000, H: 800})
	for _, pl := range visible {
		if pl.Pane.Kind == tiles.KindNode {
			_ = h.g.Touch(pl.Pane.Node, h.tick)
		}
	}
	res := h.r.Reconcile(context.Background(), Frame{Now: h.now, Selected: selected, Visible: visible})
	for _, i := range res.Intents {
		switch i := i.(type) {
		case intent.MapWebviewToNode:
			if err := h.b.Bind(i.Key, i.Handle, i.Context); err != nil {
				t.Fatalf("Bind: %v", err)
			}
		case intent.PromoteNodeToActive:
			_ = h.g.SetLifecycle(i.Key, graph.Active)
		case intent.DemoteNodeToWarm:
			_ = h.g.SetLifecycle(i.Key, graph.Warm)
		case intent.DemoteNodeToCold:
			_ = h.g.SetLifecycle(i.Key, graph.Cold)
		}
	}
	h.checkInvariants(t, res.Limit)
	return res
}

func (h *harness) checkInvariants(t *testing.T, limit int) {
	t.Helper()
	active := 0
	tiled := h.tree.NodeTiles()
	for _, n := range h.g.Nodes() {
		_, hasHandle := h.b.HandleFor(n.Key)
		_, hasCtx := h.b.ContextFor(n.Key)
		if n.Lifecycle == graph.Active {
			active++
			if !hasHandle || !hasCtx {
				t.Errorf("active node %d lacks runtime: handle=%v ctx=%v", n.Key, hasHandle, hasCtx)
			}
			if len(tiled[n.Key]) == 0 && n.Key != h.r.Prewarm() {
				t.Errorf("active node %d has no tile and is not the prewarm target", n.Key)
			}
			continue
		}
		if hasHandle || hasCtx {
			t.Errorf("%s node %d still owns a runtime", n.Lifecycle, n.Key)
		}
	}
	if limit > 0 && active > limit {
		t.Errorf("%d active nodes exceed limit %d", active, limit)
	}
}

func (h *harness) add(t *testing.T, url string) graph.Key {
	t.Helper()
	k, err := h.g.AddNode(url, graph.Point{})
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	return k
}

func lifecycleOf(t *testing.T, g *graph.Graph, k graph.Key) graph.Lifecycle {
	t.Helper()
	n, err := g.Get(k)
	if err != nil {
		t.Fatalf("Get(%d): %v", k, err)
	}
	return n.Lifecycle
}

func TestReconcile_CriticalPressureKeepsMostRecent(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")
	b := h.add(t, "https://b")

	h.tree.OpenTab(tiles.NodePane(a))
	h.frame(t, 0)
	h.tree.OpenTab(tiles.NodePane(b))
	h.frame(t, 0)

	for _, k := range []graph.Key{a, b} {
		if got := lifecycleOf(t, h.g, k); got != graph.Active {
			t.Fatalf("node %d = %s under normal pressure, want active", k, got)
		}
	}
	if h.eng.WebViewCount() != 2 || h.eng.ContextCount() != 2 {
		t.Fatalf("views=%d contexts=%d, want 2/2", h.eng.WebViewCount(), h.eng.ContextCount())
	}

	h.pressure.Set(PressureCritical)
	res := h.frame(t, 0)
	if res.Limit != 1 {
		t.Errorf("limit = %d, want 1", res.Limit)
	}
	if got := lifecycleOf(t, h.g, b); got != graph.Active {
		t.Errorf("most recently used node = %s, want active", got)
	}
	if got := lifecycleOf(t, h.g, a); got != graph.Warm {
		t.Errorf("evicted node = %s, want warm", got)
	}
	if _, ok := h.b.ContextFor(a); ok {
		t.Error("warm node kept its context")
	}
	if h.eng.ContextCount() != 1 {
		t.Errorf("contexts = %d, want 1", h.eng.ContextCount())
	}
}

func TestReconcile_EqualRecencyEvictsLargerKey(t *testing.T) {
	h := newHarness(t, 3)
	a := h.add(t, "https://a")
	b := h.add(t, "https://b")
	c := h.add(t, "https://c")
	split := h.tree.InsertHorizontalTile([]tiles.TileID{
		h.tree.InsertPane(tiles.NodePane(a)),
		h.tree.InsertPane(tiles.NodePane(b)),
	})
	root, _ := h.tree.Root()
	h.tree.AppendChild(root, split)
	h.tree.MakeActive(split)
	h.frame(t, 0)

	// Showing c backgrounds a and b, which share the same recency.
	h.now = h.now.Add(2 * time.Second)
	h.tree.OpenTab(tiles.NodePane(c))
	h.pressure.Set(PressureWarning)
	h.frame(t, 0)

	if got := lifecycleOf(t, h.g, c); got != graph.Active {
		t.Errorf("visible node = %s, want active", got)
	}
	if got := lifecycleOf(t, h.g, a); got != graph.Active {
		t.Errorf("a = %s, want active", got)
	}
	if got := lifecycleOf(t, h.g, b); got != graph.Warm {
		t.Errorf("b = %s, want warm (larger key evicted on equal recency)", got)
	}

	h.pressure.Set(PressureCritical)
	h.frame(t, 0)
	if got := lifecycleOf(t, h.g, c); got != graph.Active {
		t.Errorf("visible node = %s under critical pressure, want active", got)
	}
	if got := lifecycleOf(t, h.g, a); got != graph.Warm {
		t.Errorf("a = %s under critical pressure, want warm", got)
	}
}

func TestReconcile_PrewarmSelectedNode(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")

	h.frame(t, a)
	if got := lifecycleOf(t, h.g, a); got != graph.Active {
		t.Fatalf("selected node = %s, want active", got)
	}
	if h.r.Prewarm() != a {
		t.Errorf("prewarm = %d, want %d", h.r.Prewarm(), a)
	}

	h.frame(t, 0)
	if got := lifecycleOf(t, h.g, a); got != graph.Cold {
		t.Errorf("deselected node = %s, want cold", got)
	}
	if h.eng.WebViewCount() != 0 {
		t.Errorf("webviews = %d, want 0", h.eng.WebViewCount())
	}
}

func TestReconcile_ClosedSelectionIsNotPrewarmed(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")
	id := h.tree.OpenTab(tiles.NodePane(a))
	h.frame(t, a)
	hnd, ok := h.b.HandleFor(a)
	if !ok {
		t.Fatal("no webview for visible node")
	}

	h.tree.RemoveRecursively(id)
	h.b.ReleaseHandle(hnd)
	h.frame(t, a)
	if got := lifecycleOf(t, h.g, a); got != graph.Cold {
		t.Errorf("closed node = %s, want cold", got)
	}
	if h.r.Prewarm() != 0 || h.eng.WebViewCount() != 0 {
		t.Errorf("prewarm = %d, webviews = %d; closed node was reopened", h.r.Prewarm(), h.eng.WebViewCount())
	}
}

func TestReconcile_PrewarmNeverEvicts(t *testing.T) {
	h := newHarness(t, 1)
	a := h.add(t, "https://a")
	b := h.add(t, "https://b")
	h.tree.OpenTab(tiles.NodePane(a))
	h.frame(t, b)

	if got := lifecycleOf(t, h.g, a); got != graph.Active {
		t.Errorf("tile node = %s, want active", got)
	}
	if got := lifecycleOf(t, h.g, b); got == graph.Active {
		t.Error("prewarm exceeded the limit")
	}
}

func TestReconcile_EmptyGraphResetsRuntime(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")
	h.tree.OpenTab(tiles.NodePane(a))
	h.frame(t, 0)

	if _, err := h.g.RemoveNode(a); err != nil {
		t.Fatal(err)
	}
	h.frame(t, 0)
	if h.eng.WebViewCount() != 0 || h.eng.ContextCount() != 0 {
		t.Errorf("views=%d contexts=%d after clearing", h.eng.WebViewCount(), h.eng.ContextCount())
	}
	if h.tree.HasNodeTiles() {
		t.Error("node tiles survived an empty graph")
	}
	if h.r.Backpressure().Len() != 0 {
		t.Error("backpressure not cleared")
	}
}

func TestReconcile_CreationFailureBacksOff(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")
	h.tree.OpenTab(tiles.NodePane(a))
	h.eng.FailNextCreate(errors.New("gpu lost"))

	h.frame(t, 0)
	if got := lifecycleOf(t, h.g, a); got == graph.Active {
		t.Fatal("node promoted without a runtime")
	}
	if h.r.Backpressure().State(a) != Failed {
		t.Fatalf("state = %s, want failed", h.r.Backpressure().State(a))
	}
	if n := h.rec.Count(diagnostics.EngineFailure); n != 1 {
		t.Errorf("engine failure events = %d, want 1", n)
	}

	h.frame(t, 0)
	if h.eng.Created() != 0 {
		t.Error("retried before the backoff elapsed")
	}

	h.now = h.now.Add(time.Second)
	h.frame(t, 0)
	if got := lifecycleOf(t, h.g, a); got != graph.Active {
		t.Errorf("node = %s after backoff, want active", got)
	}
}

func TestReconcile_ConfirmsAfterWindow(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")
	h.tree.OpenTab(tiles.NodePane(a))
	h.frame(t, 0)
	if h.r.Backpressure().State(a) != InFlight {
		t.Fatalf("state = %s, want in_flight", h.r.Backpressure().State(a))
	}
	h.now = h.now.Add(2 * time.Second)
	h.frame(t, 0)
	if h.r.Backpressure().State(a) != Idle {
		t.Errorf("state = %s, want idle", h.r.Backpressure().State(a))
	}
}

func TestReconcile_CloseBeforeFirstPaintIsNotAFailure(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")

	for round := range 4 {
		id := h.tree.OpenTab(tiles.NodePane(a))
		res := h.frame(t, 0)
		if len(res.Created) != 1 || res.Created[0] != a {
			t.Fatalf("round %d: created = %v, want [%d]", round, res.Created, a)
		}
		handle, ok := h.b.HandleFor(a)
		if !ok {
			t.Fatalf("round %d: no handle", round)
		}

		// Closing the tile releases the runtime while creation is pending.
		h.tree.RemoveRecursively(id)
		h.b.ReleaseHandle(handle)
		res = h.frame(t, 0)

		want := intent.DemoteNodeToCold{Key: a, Cause: intent.CauseExplicitClose}
		if len(res.Intents) != 1 || res.Intents[0] != want {
			t.Fatalf("round %d: intents = %v, want [%v]", round, res.Intents, want)
		}
		if got := h.r.Backpressure().State(a); got != Idle {
			t.Fatalf("round %d: state = %s, want idle", round, got)
		}
	}
	if n := h.rec.Count(diagnostics.ResourceExhausted); n != 0 {
		t.Errorf("resource exhausted events = %d, want 0", n)
	}
}

func TestUnresponsiveBeforeFirstPaint(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")
	h.tree.OpenTab(tiles.NodePane(a))
	h.frame(t, 0)
	handle, ok := h.b.HandleFor(a)
	if !ok {
		t.Fatal("no handle")
	}

	intents := h.r.Unresponsive(handle, h.now)
	want := intent.DemoteNodeToCold{Key: a, Cause: intent.CauseCreateTimeout}
	if len(intents) != 1 || intents[0] != want {
		t.Fatalf("intents = %v, want [%v]", intents, want)
	}
	if h.r.Backpressure().State(a) != Failed {
		t.Errorf("state = %s, want failed", h.r.Backpressure().State(a))
	}
	if h.eng.Contains(handle) {
		t.Error("unresponsive webview not closed")
	}
}

func TestCrashIsStickyUntilRetry(t *testing.T) {
	h := newHarness(t, 2)
	a := h.add(t, "https://a")
	h.tree.OpenTab(tiles.NodePane(a))
	h.frame(t, 0)
	handle, _ := h.b.HandleFor(a)

	if k, ok := h.r.Crashed(handle, "segfault"); !ok || k != a {
		t.Fatalf("Crashed = %d, %v", k, ok)
	}
	n, _ := h.g.Get(a)
	if n.Lifecycle != graph.Crashed || !n.CrashBlocked {
		t.Fatalf("node = %s blocked=%v", n.Lifecycle, n.CrashBlocked)
	}
	if h.r.Backpressure().Len() != 0 {
		t.Error("crashed node left in backpressure map")
	}

	h.frame(t, a)
	if got := lifecycleOf(t, h.g, a); got != graph.Crashed {
		t.Errorf("crashed node = %s after reconcile, want crashed", got)
	}
	if h.eng.WebViewCount() != 0 {
		t.Error("crashed node got a new webview")
	}

	if err := h.r.Retry(a); err != nil {
		t.Fatal(err)
	}
	if got := lifecycleOf(t, h.g, a); got != graph.Cold {
		t.Fatalf("after retry = %s, want cold", got)
	}
	h.frame(t, 0)
	if got := lifecycleOf(t, h.g, a); got != graph.Active {
		t.Errorf("after retry and reconcile = %s, want active", got)
	}
}

func TestReconcile_WarmCacheBounded(t *testing.T) {
	h := newHarness(t, 1)
	h.r.settings.WarmLimit = 1
	a := h.add(t, "https://a")
	b := h.add(t, "https://b")
	c := h.add(t, "https://c")
	_ = h.g.SetLifecycle(a, graph.Warm)
	_ = h.g.SetLifecycle(b, graph.Warm)
	_ = h.g.Touch(b, 5)
	h.tree.OpenTab(tiles.NodePane(c))

	res := h.frame(t, 0)
	if got := lifecycleOf(t, h.g, a); got != graph.Cold {
		t.Errorf("oldest warm node = %s, want cold", got)
	}
	if got := lifecycleOf(t, h.g, b); got != graph.Warm {
		t.Errorf("newest warm node = %s, want warm", got)
	}
	found := false
	for _, i := range res.Intents {
		if d, ok := i.(intent.DemoteNodeToCold); ok && d.Key == a && d.Cause == intent.CauseWarmLruEviction {
			found = true
		}
	}
	if !found {
		t.Errorf("no warm LRU eviction in %v", res.Intents)
	}
}
