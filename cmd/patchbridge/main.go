package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"patchbridge/internal/auth"
	"patchbridge/internal/backend"
	"patchbridge/internal/bridge"
	"patchbridge/internal/config"
	"patchbridge/internal/job"
	"patchbridge/internal/logging"
	"patchbridge/internal/pipeline"
	"patchbridge/internal/sandbox"
	"patchbridge/internal/session"
)

var version = "0.3.0"

var (
	// Global flags
	stateDir string
	verbose  bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "patchbridge",
	Short: "patchbridge - sandbox-first code-change bridge for editors",
	Long: `patchbridge is a local agent bridge: a long-lived process that accepts
editor requests (context, diagnostics, prompts), dispatches them to a
generation backend, and manages a sandbox-first patch pipeline.

Generated patches are applied to an isolated copy of the workspace,
verified there, and only promoted to the real tree after an explicit
confirmation phrase.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge server",
	Long: `Starts the bridge and serves the editor protocol until interrupted.

The bearer token is read from <state-dir>/token.json, generated on
first run. Configuration comes from <state-dir>/config.yaml.`,
	RunE: runServe,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the bearer token (use --rotate to replace it)",
	RunE:  runToken,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe a running bridge's health endpoint",
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the patchbridge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("patchbridge %s\n", version)
	},
}

var (
	serveAddr   string
	rotateToken bool
	statusAddr  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", config.Dir, "directory for config, token, logs, and state")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	tokenCmd.Flags().BoolVar(&rotateToken, "rotate", false, "generate a new token")
	statusCmd.Flags().StringVar(&statusAddr, "addr", "http://127.0.0.1:8373", "bridge base URL")

	rootCmd.AddCommand(serveCmd, tokenCmd, statusCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(stateDir, "config.yaml"))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logging.Configure(filepath.Join(stateDir, "logs"), verbose || cfg.Logging.Debug)
	defer logging.CloseAll()
	if err := logging.InitAudit(filepath.Join(stateDir, "logs")); err != nil {
		return err
	}
	defer logging.CloseAudit()

	token, err := auth.LoadOrCreate(stateDir)
	if err != nil {
		return err
	}

	dbPath := cfg.Session.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(stateDir, "state.db")
	}
	sessions, err := session.NewStore(dbPath, cfg.SessionTTL(), cfg.Session.HistoryLimit)
	if err != nil {
		return err
	}
	defer sessions.Close()

	engine := sandbox.NewEngine(sandbox.Config{
		Root:            cfg.Sandbox.Root,
		CopyExcludes:    cfg.Sandbox.CopyExcludes,
		AllowedCommands: cfg.Sandbox.AllowedCommands,
		MaxOutputBytes:  cfg.Sandbox.MaxVerifyOutputBytes,
	})
	defer engine.Close()

	client, err := buildBackend(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	gen := backend.NewGenerator(client)

	pipe := pipeline.New(sessions, engine, gen, cfg.VerifyTimeout())
	sched := job.NewScheduler(cfg.Backend.Workers, pipe.HandleJob)
	defer sched.Close()

	srv := bridge.NewServer(sessions, sched, pipe, token, bridge.Config{
		MaxConns:     cfg.Server.MaxConns,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("bridge starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("provider", cfg.Backend.Provider),
		zap.String("token_hint", token.Hint()),
	)
	if err := srv.Serve(ctx, cfg.Server.Addr); err != nil {
		return err
	}
	logger.Info("bridge stopped")
	return nil
}

// buildBackend selects the generation provider from config.
func buildBackend(ctx context.Context, cfg *config.Config) (backend.Client, error) {
	switch cfg.Backend.Provider {
	case "gemini", "":
		return backend.NewGeminiClient(ctx, backend.GeminiConfig{
			APIKey: cfg.Backend.APIKey,
			Model:  cfg.Backend.Model,
		})
	case "openai":
		return backend.NewChatClient(backend.ChatConfig{
			APIKey:  cfg.Backend.APIKey,
			BaseURL: cfg.Backend.BaseURL,
			Model:   cfg.Backend.Model,
			Timeout: cfg.BackendTimeout(),
		}), nil
	case "stub":
		// Echoes an empty reply; useful for wiring tests without a key.
		return &backend.StaticClient{Response: "no changes needed"}, nil
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
}

func runToken(cmd *cobra.Command, args []string) error {
	var (
		token *auth.Token
		err   error
	)
	if rotateToken {
		token, err = auth.Rotate(stateDir)
	} else {
		token, err = auth.LoadOrCreate(stateDir)
	}
	if err != nil {
		return err
	}
	fmt.Println(token.Value())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := bridge.NewClient(statusAddr, "")
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("bridge at %s is not healthy: %w", statusAddr, err)
	}
	fmt.Printf("bridge at %s is healthy\n", statusAddr)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
