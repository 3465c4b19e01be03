package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"unicode"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"graphshell/internal/app"
	"graphshell/internal/config"
	"graphshell/internal/db"
	"graphshell/internal/engine"
	"graphshell/internal/logging"
)

var (
	configPath     string
	verbose        bool
	contentProcess string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "graphshell",
	Short: "Graph-structured browsing shell core",
	Long: "Runs the shell core: a frame loop over the node graph that keeps webview " +
		"runtimes, tiles and peer sync consistent. With --content-process the binary " +
		"acts as a content process for the given token instead.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("content-process") {
			return runContentProcess(contentProcess)
		}
		return runChrome(cmd.Context())
	},
}

// Execute runs the root command. Any returned error exits with status 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default <data dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging on the console encoder")
	rootCmd.Flags().StringVar(&contentProcess, "content-process", "", "Run as a content process for this token")
}

// setup loads configuration and builds the process logger. Config problems
// are reported once the logger exists; they never stop startup.
func setup() error {
	path := configPath
	if path == "" {
		// The data dir override decides where the file lives.
		d := config.Default()
		d.ApplyEnv(os.LookupEnv)
		path = d.Path()
	}
	c, warnings := config.Load(path)

	l, err := logging.New(c.TracingFilter, verbose)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	for _, w := range warnings {
		l.Warn("config value ignored", zap.Error(w))
	}
	cfg, logger = c, l
	return nil
}

var errBadToken = errors.New("invalid content process token")

func validateToken(token string) error {
	if token == "" || strings.IndexFunc(token, func(r rune) bool {
		return unicode.IsSpace(r) || !unicode.IsPrint(r)
	}) >= 0 {
		return fmt.Errorf("%w: %q", errBadToken, token)
	}
	return nil
}

// runContentProcess hands control to the embedded engine's content process.
// No engine is linked into the core, so it only checks the token.
func runContentProcess(token string) error {
	if err := validateToken(token); err != nil {
		return err
	}
	logger.Info("content process started", zap.String("token", token))
	return nil
}

// runChrome drives the headless frame loop until SIGINT or SIGTERM.
func runChrome(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting",
		zap.String("data_dir", cfg.DataDir),
		zap.String("verse_init", string(cfg.Sync.Init)),
		zap.Bool("wsl_software_fallback_disabled", cfg.DisableWSLFallback))

	a, err := app.New(ctx, cfg, logger, engine.NewHeadless(0))
	if err != nil {
		return err
	}
	return errors.Join(a.Run(ctx), a.Close())
}

// openDatabase opens the store of the configured data directory for the
// maintenance subcommands.
func openDatabase(ctx context.Context) (*db.DB, error) {
	openCtx, cancel := context.WithTimeout(ctx, cfg.PersistenceOpenTimeout())
	defer cancel()
	d, err := db.OpenDB(openCtx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.DatabasePath(), err)
	}
	return d, nil
}
