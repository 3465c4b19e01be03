package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"graphshell/internal/access"
	"graphshell/internal/config"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
	"graphshell/internal/graph"
	"graphshell/internal/intent"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Sync.Init = config.VerseOff
	cfg.PersistenceOpenTimeMs = 5000
	return cfg
}

func open(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zap.NewNop(), engine.NewHeadless(16))
	require.NoError(t, err)
	require.NotNil(t, a.Store)
	return a
}

func TestNew_StatePersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a := open(t, cfg)
	nodeID := a.Keys.NodeID()
	assert.Nil(t, a.Hub, "sync is off")

	a.Pipeline.Submit(intent.AddNode{URL: "https://a.example"})
	a.Pipeline.Frame(ctx, time.Now())
	require.Equal(t, 1, a.Pipeline.Graph().NodeCount())
	k := a.Pipeline.Graph().Keys()[0]
	a.Pipeline.Submit(intent.SetNodeTitle{Key: k, Title: "A"})
	a.Pipeline.Frame(ctx, time.Now())

	require.NoError(t, a.TrustPeer(ctx, access.TrustedPeer{NodeID: "laptop", DisplayName: "Laptop", Role: access.RoleSelf}))
	require.NoError(t, a.GrantPeer(ctx, "laptop", "default", access.ReadWrite))
	require.NoError(t, a.Close())

	b := open(t, cfg)
	defer b.Close()
	assert.Equal(t, nodeID, b.Keys.NodeID())
	nodes := b.Pipeline.Graph().Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "A", nodes[0].Title)
	assert.Equal(t, graph.Cold, nodes[0].Lifecycle)
	assert.Equal(t, 2, b.SyncLog.Len())

	p, ok := b.Trust.Get("laptop")
	require.True(t, ok)
	g, ok := p.Grant("default")
	require.True(t, ok)
	assert.Equal(t, access.ReadWrite, g.Access)
	assert.Zero(t, b.Diagnostics.Count(diagnostics.PersistenceFailure))
}

func TestRevokePeer(t *testing.T) {
	ctx := context.Background()
	a := open(t, testConfig(t))
	defer a.Close()

	require.NoError(t, a.TrustPeer(ctx, access.TrustedPeer{NodeID: "phone", Role: access.RoleFriend}))
	require.NoError(t, a.RevokePeer(ctx, "phone"))
	assert.ErrorIs(t, a.RevokePeer(ctx, "phone"), access.ErrUnknownPeer)

	peers, err := a.Store.Peers(ctx)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestNew_SyncEnabledStartsHub(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.Init = config.VerseBackground
	a := open(t, cfg)
	require.NotNil(t, a.Hub)
	assert.Empty(t, a.Hub.Peers())
	require.NoError(t, a.Close())
}

func TestContextSize(t *testing.T) {
	assert.Equal(t, engine.Size{W: 2560, H: 1600}, contextSize(2))
	assert.Equal(t, engine.Size{W: 1280, H: 800}, contextSize(0))
}
