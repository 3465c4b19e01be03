package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"graphshell/internal/app"
	"graphshell/internal/config"
	"graphshell/internal/diagnostics"
	"graphshell/internal/engine"
)

var (
	syncAddr        string
	syncMetricsAddr string
	syncDial        []string
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Peer sync endpoints",
}

var syncServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shell core headless with a websocket sync endpoint",
	Long: "Accepts peer connections on --addr at /sync and optionally dials the peers " +
		"given with --dial. Prometheus metrics are served on --metrics-addr when set.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveSync(ctx)
	},
}

func init() {
	syncServeCmd.Flags().StringVar(&syncAddr, "addr", "", "Listen address (default from config sync.listen_addr)")
	syncServeCmd.Flags().StringVar(&syncMetricsAddr, "metrics-addr", "", "Serve /metrics on this address")
	syncServeCmd.Flags().StringSliceVar(&syncDial, "dial", nil, "Peer sync URLs to connect to (ws://host:port/sync)")
	syncCmd.AddCommand(syncServeCmd)
	rootCmd.AddCommand(syncCmd)
}

func serveSync(ctx context.Context) error {
	if cfg.Sync.Init == config.VerseOff {
		cfg.Sync.Init = config.VerseBackground
	}
	addr := syncAddr
	if addr == "" {
		addr = cfg.Sync.ListenAddr
	}
	if addr == "" {
		return errors.New("no listen address: pass --addr or set sync.listen_addr")
	}

	a, err := app.New(ctx, cfg, logger, engine.NewHeadless(0))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/sync", a.Hub.Handler())
	servers := []*http.Server{{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}}
	if syncMetricsAddr != "" {
		metrics := http.NewServeMux()
		metrics.Handle("/metrics", diagnostics.Handler())
		servers = append(servers, &http.Server{Addr: syncMetricsAddr, Handler: metrics, ReadHeaderTimeout: 10 * time.Second})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		for _, url := range syncDial {
			peer, err := a.Hub.Dial(gctx, url)
			if err != nil {
				logger.Warn("dial failed", zap.String("url", url), zap.Error(err))
				continue
			}
			logger.Info("peer connected", zap.String("url", url), zap.String("peer", peer))
		}
		return nil
	})
	g.Go(func() error {
		err := a.Run(gctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		return err
	})

	return errors.Join(g.Wait(), a.Close())
}
