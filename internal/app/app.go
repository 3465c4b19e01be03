// Package app builds the shell core once from configuration and hands
// every component its dependencies. Nothing below it reaches for globals.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"graphshell/internal/access"
	"graphshell/internal/binder"
	"graphshell/internal/config"
	"graphshell/internal/db"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/identity"
	"graphshell/internal/lifecycle"
	"graphshell/internal/pipeline"
	"graphshell/internal/registry"
	"graphshell/internal/synclog"
	"graphshell/internal/thumbnail"
	"graphshell/internal/tiles"
	"graphshell/internal/transport"
	"graphshell/internal/undo"
	"graphshell/internal/workspace"
)

// recorderLimit bounds the diagnostics kept in memory for the settings page.
const recorderLimit = 512

// App owns every long-lived component.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Diagnostics *diagnostics.Recorder

	// Store is nil when the database could not be opened in time; the shell
	// then runs with an empty, unpersisted graph.
	Store    *db.DB
	Keys     *identity.Keystore
	Trust    *access.Store
	Engine   engine.Engine
	SyncLog  *synclog.Log
	Hub      *transport.Hub
	Pipeline *pipeline.FramePipeline

	cancel context.CancelFunc
}

// New constructs the core. eng is the embedded web engine; the headless
// engine serves when no GUI host is attached.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, eng engine.Engine) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Config:      cfg,
		Logger:      logger,
		Diagnostics: diagnostics.NewRecorder(logger.Named("diagnostics"), recorderLimit),
		Trust:       access.NewStore(),
		Engine:      eng,
	}
	if r, ok := eng.(engine.Reporter); ok {
		r.SetSink(a.Diagnostics)
	}
	ctx, a.cancel = context.WithCancel(ctx)

	a.Store = a.openStore(ctx)
	if a.Store != nil {
		peers, err := a.Store.Peers(ctx)
		if err != nil {
			a.persistenceFailure("loading trusted peers", err)
		}
		for _, p := range peers {
			a.Trust.Trust(p)
		}
	}

	keys, err := a.loadIdentity(ctx)
	if err != nil {
		a.cancel()
		a.closeStore()
		return nil, err
	}
	a.Keys = keys

	g := graph.New()
	if a.Store != nil {
		switch snap, info, err := a.Store.LatestSnapshot(ctx); {
		case err == nil:
			g.Restore(snap)
			coldStart(g)
			logger.Info("graph restored",
				zap.Int64("snapshot", info.ID),
				zap.Int("nodes", info.NodeCount),
				zap.Int("edges", info.EdgeCount))
		case !errors.Is(err, db.ErrNotFound):
			a.persistenceFailure("loading graph snapshot", err)
		}
	}

	workspaces := workspace.NewManager(logger, cfg.Sync.Workspace)
	if a.Store != nil {
		saved, errs := a.Store.Workspaces(ctx)
		for _, ws := range saved {
			workspaces.Put(ws)
		}
		for _, err := range errs {
			a.persistenceFailure("loading workspace", err)
		}
	}

	a.SyncLog = a.loadSyncLog(ctx, cfg.Sync.Workspace)

	if cfg.Sync.Init != config.VerseOff {
		settings := transport.DefaultSettings()
		if cfg.Sync.InboundCapacity > 0 {
			settings.InboundCapacity = cfg.Sync.InboundCapacity
		}
		a.Hub = transport.NewHub(ctx, keys, settings, logger, a.Diagnostics)
		logger.Info("sync enabled",
			zap.String("mode", string(cfg.Sync.Init)),
			zap.String("node_id", keys.NodeID()),
			zap.String("workspace", cfg.Sync.Workspace))
	}

	tree := tiles.NewWithGraph()
	b := binder.New(eng, logger.Named("binder"), a.Diagnostics)
	bp := lifecycle.NewBackpressure(lifecycle.BackpressureSettingsFrom(cfg.Backpressure))
	r := lifecycle.NewReconciler(lifecycle.Settings{
		ActiveLimit: cfg.Lifecycle.ActiveLimit,
		WarmLimit:   cfg.Lifecycle.WarmCacheLimit,
		ContextSize: contextSize(cfg.DevicePixelRatio),
	}, g, tree, b, eng, bp, lifecycle.NewSystemPressure(logger.Named("pressure"), time.Second), logger.Named("lifecycle"), a.Diagnostics)

	deps := pipeline.Deps{
		Graph:      g,
		Tree:       tree,
		Binder:     b,
		Engine:     eng,
		Reconciler: r,
		Thumbnails: thumbnail.New(eng, cfg.Thumbnail, logger.Named("thumbnail"), a.Diagnostics),
		History:    undo.New(cfg.HistoryLimit),
		Workspaces: workspaces,
		Viewers:    registry.NewViewers(),
		Settings:   registry.NewSettingsPages(),

		SyncLog: a.SyncLog,
		Self:    synclog.PeerID(keys.NodeID()),
		Secret:  keys.Secret(),
		Trust:   a.Trust,

		SnapshotInterval: cfg.SnapshotInterval(),
		Viewport:         tiles.Rect{W: 1280, H: 800},
		Logger:           logger.Named("pipeline"),
		Sink:             a.Diagnostics,
	}
	if a.Store != nil {
		deps.Store = a.Store
	}
	if a.Hub != nil {
		deps.Inbound = a.Hub.Inbound()
		deps.PeerEvents = a.Hub.PeerEvents()
		deps.Outbound = a.Hub
	}
	a.Pipeline = pipeline.New(deps)
	return a, nil
}

// coldStart drops residency carried over from the previous process. Crashed
// nodes stay crashed until retried.
func coldStart(g *graph.Graph) {
	for _, n := range g.Nodes() {
		if n.Lifecycle == graph.Active || n.Lifecycle == graph.Warm {
			_ = g.SetLifecycle(n.Key, graph.Cold)
		}
	}
}

func contextSize(dpr float64) engine.Size {
	if dpr <= 0 {
		dpr = 1
	}
	return engine.Size{W: int(math.Round(1280 * dpr)), H: int(math.Round(800 * dpr))}
}

// openStore opens the database within the configured timeout.
func (a *App) openStore(ctx context.Context) *db.DB {
	openCtx, cancel := context.WithTimeout(ctx, a.Config.PersistenceOpenTimeout())
	defer cancel()
	store, err := db.OpenDB(openCtx, a.Config.DatabasePath())
	if err != nil {
		a.persistenceFailure("opening store", err)
		return nil
	}
	a.Logger.Debug("store opened", zap.String("path", store.Path))
	return store
}

// loadIdentity reuses the persisted secret or creates and stores a new one.
func (a *App) loadIdentity(ctx context.Context) (*identity.Keystore, error) {
	if a.Store == nil {
		return identity.Generate(a.Trust)
	}
	secret, err := a.Store.LoadSecret(ctx)
	switch {
	case err == nil:
		keys, err := identity.FromSecret(secret, a.Trust)
		if err != nil {
			return nil, fmt.Errorf("loading identity: %w", err)
		}
		return keys, nil
	case !errors.Is(err, db.ErrNotFound):
		a.persistenceFailure("loading identity", err)
	}
	keys, err := identity.Generate(a.Trust)
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if err := a.Store.SaveSecret(ctx, keys.Secret()); err != nil {
		a.persistenceFailure("saving identity", err)
	}
	a.Logger.Info("identity created", zap.String("node_id", keys.NodeID()))
	return keys, nil
}

// loadSyncLog opens the sealed log of workspaceID. An unreadable log is
// reported and replaced by an empty one.
func (a *App) loadSyncLog(ctx context.Context, workspaceID string) *synclog.Log {
	if a.Store == nil {
		return synclog.New(workspaceID, a.Diagnostics)
	}
	blob, err := a.Store.SyncLog(ctx, workspaceID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			a.persistenceFailure("loading sync log", err)
		}
		return synclog.New(workspaceID, a.Diagnostics)
	}
	log, err := synclog.Open(a.Keys.Secret(), workspaceID, blob, a.Diagnostics)
	if err != nil {
		a.persistenceFailure("opening sync log", err)
		return synclog.New(workspaceID, a.Diagnostics)
	}
	return log
}

func (a *App) persistenceFailure(what string, err error) {
	diagnostics.Emit(a.Diagnostics, diagnostics.PersistenceFailure, what, "error", err.Error())
	a.Logger.Warn(what+" failed", zap.Error(err))
}

// Run drives the frame loop until ctx is done.
func (a *App) Run(ctx context.Context) error {
	rate := time.Second / 60
	if a.Config.FrameRate > 0 {
		rate = time.Second / time.Duration(a.Config.FrameRate)
	}
	return a.Pipeline.Run(ctx, rate)
}

// TrustPeer adds or updates a peer and persists it.
func (a *App) TrustPeer(ctx context.Context, p access.TrustedPeer) error {
	a.Trust.Trust(p)
	return a.savePeer(ctx, p.NodeID)
}

// GrantPeer sets the access level of a trusted peer for a workspace.
func (a *App) GrantPeer(ctx context.Context, nodeID, workspaceID string, level access.Level) error {
	if err := a.Trust.SetGrant(nodeID, workspaceID, level); err != nil {
		return err
	}
	return a.savePeer(ctx, nodeID)
}

// RevokePeer forgets a peer.
func (a *App) RevokePeer(ctx context.Context, nodeID string) error {
	if !a.Trust.Revoke(nodeID) {
		return fmt.Errorf("%w: %s", access.ErrUnknownPeer, nodeID)
	}
	if a.Store == nil {
		return nil
	}
	return a.Store.DeletePeer(ctx, nodeID)
}

func (a *App) savePeer(ctx context.Context, nodeID string) error {
	if a.Store == nil {
		return nil
	}
	p, ok := a.Trust.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", access.ErrUnknownPeer, nodeID)
	}
	return a.Store.SavePeer(ctx, p)
}

// Close flushes pending state and releases the transport and store.
func (a *App) Close() error {
	var errs []error
	flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if a.Pipeline != nil {
		if err := a.Pipeline.Flush(flushCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Hub != nil {
		if err := a.Hub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing transport: %w", err))
		}
	}
	if a.Store != nil {
		// Last-seen times change while running.
		if err := a.Store.SyncPeers(flushCtx, a.Trust); err != nil {
			errs = append(errs, fmt.Errorf("saving peers: %w", err))
		}
	}
	a.cancel()
	if err := a.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if a.Store == nil {
		return nil
	}
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}
