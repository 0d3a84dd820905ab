// Package main is the entry point for the Orquesta CLI.
// Orquesta routes conversational turns across a pool of local Ollama
// models: a planner inspects each turn, picks the best-fit model and
// workflow shape, and an executor runs it with retries and fallback.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/normanking/orquesta/internal/bus"
	"github.com/normanking/orquesta/internal/cache"
	"github.com/normanking/orquesta/internal/chat"
	"github.com/normanking/orquesta/internal/config"
	"github.com/normanking/orquesta/internal/llm"
	"github.com/normanking/orquesta/internal/logging"
	"github.com/normanking/orquesta/internal/metrics"
	"github.com/normanking/orquesta/internal/orchestrator"
	"github.com/normanking/orquesta/internal/registry"
	"github.com/normanking/orquesta/internal/server"
	"github.com/normanking/orquesta/internal/store"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "orquesta",
		Short: "Orquesta - multi-model routing engine for local LLMs",
		Long: `Orquesta routes each conversation turn to the best local model:
  • Keyword analysis decides what the turn needs (code, reasoning, vision, speed)
  • A deterministic planner picks the model and workflow shape
  • Multi-model workflows add a verifier pass for code and optimization work

Run the HTTP engine:    orquesta serve
One-shot question:      orquesta ask "optimiza este bucle"
Inspect the registry:   orquesta models`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.orquesta/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Orquesta v%s\n", version)
		},
	})

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(askCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config, console bool) error {
	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	return logging.Setup(&logging.Config{
		Level:   level,
		File:    cfg.Logging.File,
		Console: console && cfg.Logging.Console,
	})
}

func buildProvider(cfg *config.Config) *llm.OllamaProvider {
	return llm.NewOllamaProvider(cfg.Ollama.Endpoint,
		llm.WithTimeoutConfig(llm.TimeoutConfig{
			ConnectionTimeout: time.Duration(cfg.Ollama.Timeouts.ConnectionTimeoutSec) * time.Second,
			FirstTokenTimeout: time.Duration(cfg.Ollama.Timeouts.FirstTokenTimeoutSec) * time.Second,
			StreamIdleTimeout: time.Duration(cfg.Ollama.Timeouts.StreamIdleTimeoutSec) * time.Second,
		}),
		llm.WithCallGate(llm.NewCallGate(cfg.Ollama.MaxConcurrentCalls)),
	)
}

func rolesFromConfig(cfg *config.Config) registry.Roles {
	return registry.Roles{
		Vision:       cfg.Routing.Roles.Vision,
		Code:         cfg.Routing.Roles.Code,
		Optimization: cfg.Routing.Roles.Optimization,
		Reasoning:    cfg.Routing.Roles.Reasoning,
		Fast:         cfg.Routing.Roles.Fast,
		General:      cfg.Routing.Roles.General,
	}
}

func buildOrchestrator(cfg *config.Config, provider llm.Provider, events *bus.Bus) (*orchestrator.Orchestrator, error) {
	var resultCache *cache.Cache
	if cfg.Cache.Enabled {
		resultCache = cache.New(cfg.Cache.TTL, cfg.Cache.MaxEntries)
	}

	return orchestrator.New(&orchestrator.Config{
		Registry:     registry.Default(),
		Roles:        rolesFromConfig(cfg),
		Provider:     provider,
		Cache:        resultCache,
		Events:       events,
		MaxAttempts:  cfg.Routing.MaxAttempts,
		RetryBackoff: cfg.Routing.RetryBackoff,
	})
}

// ═══════════════════════════════════════════════════════════════════════════════
// SERVE COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func serveCmd() *cobra.Command {
	var (
		addr         string
		observerPort int
		noObserver   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP engine with conversation storage and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			if err := setupLogging(cfg, true); err != nil {
				return err
			}
			log := logging.Component("main")

			if addr != "" {
				cfg.Server.Addr = addr
			}

			db, err := store.Open(cfg.Storage.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			log.Info().Str("path", cfg.Storage.DBPath).Msg("database ready")

			events := bus.NewWithHistory(100)
			defer events.Close()

			if !noObserver {
				obsCfg := bus.DefaultObserverConfig()
				if observerPort != 0 {
					obsCfg.Port = observerPort
				}
				observer := bus.NewObserver(events, obsCfg)
				if err := observer.Start(); err != nil {
					log.Warn().Err(err).Msg("event feed unavailable")
				} else {
					log.Info().Int("port", obsCfg.Port).Msg("event feed started")
					defer observer.Stop()
				}
			}

			metricsStore, err := metrics.NewStore(db.SQL())
			if err != nil {
				return fmt.Errorf("init metrics store: %w", err)
			}
			collector := metrics.NewCollector(events, metricsStore)
			collector.Start()
			defer collector.Stop()

			provider := buildProvider(cfg)
			if !provider.Available() {
				log.Warn().Str("endpoint", cfg.Ollama.Endpoint).
					Msg("ollama not reachable, turns will fail until it comes up")
			}

			orch, err := buildOrchestrator(cfg, provider, events)
			if err != nil {
				return err
			}

			srv := server.New(orch, db, collector, cfg.Chat)

			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
				errCh <- srv.Start(cfg.Server.Addr)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().IntVar(&observerPort, "events-port", 0, "WebSocket event feed port (default 8791)")
	cmd.Flags().BoolVar(&noObserver, "no-events", false, "disable the WebSocket event feed")

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// ASK COMMAND (One-shot turn)
// ═══════════════════════════════════════════════════════════════════════════════

func askCmd() *cobra.Command {
	var (
		imagePaths []string
		showPlan   bool
		showStats  bool
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Run a single turn and print the final output",
		Long: `Run one orchestrated turn from the command line.

Examples:
  orquesta ask "explica este error de Go"
  orquesta ask --plan "optimiza este algoritmo de ordenación"
  orquesta ask --image captura.png "¿qué hay en la imagen?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// File-only logging so output stays clean for piping.
			if err := setupLogging(cfg, false); err != nil {
				return err
			}

			events := bus.New()
			defer events.Close()

			var collector *metrics.Collector
			if showStats {
				collector = metrics.NewCollector(events, nil)
				collector.Start()
				defer collector.Stop()
			}

			provider := buildProvider(cfg)
			orch, err := buildOrchestrator(cfg, provider, events)
			if err != nil {
				return err
			}

			msg := chat.Message{Role: chat.RoleUser, Content: question}
			for _, path := range imagePaths {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read image %s: %w", path, err)
				}
				msg.Images = append(msg.Images, chat.ImagePayload{Data: data, MimeType: mimeFromPath(path)})
			}

			turn := chat.Turn{
				SessionID: "cli-" + uuid.NewString(),
				Messages:  []chat.Message{msg},
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			res, plan, err := orch.RunTurn(ctx, turn)
			if err != nil {
				return fmt.Errorf("turn failed: %w", err)
			}

			if showPlan && plan != nil {
				fmt.Fprintf(os.Stderr, "modelo: %s | workflow: %s | motivo: %s\n\n",
					plan.Model.ID, plan.Workflow.Shape(), plan.Reason)
			}

			fmt.Println(res.FinalOutput)

			if showStats && collector != nil {
				dashboard := metrics.NewDashboard(collector)
				fmt.Fprintln(os.Stderr, "")
				fmt.Fprintln(os.Stderr, dashboard.Render())
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&imagePaths, "image", nil, "attach an image file (repeatable)")
	cmd.Flags().BoolVar(&showPlan, "plan", false, "print the routing decision to stderr")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print session metrics after the turn")

	return cmd
}

func mimeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".png"):
		return "image/png"
	case strings.HasSuffix(path, ".jpg"), strings.HasSuffix(path, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(path, ".gif"):
		return "image/gif"
	case strings.HasSuffix(path, ".webp"):
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func modelsCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Show the model capability registry and role assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			reg := registry.Default()
			roles := rolesFromConfig(cfg)
			roleByModel := map[string][]string{}
			for role, id := range map[string]string{
				"vision":       roles.Vision,
				"code":         roles.Code,
				"optimization": roles.Optimization,
				"reasoning":    roles.Reasoning,
				"fast":         roles.Fast,
				"general":      roles.General,
			} {
				roleByModel[id] = append(roleByModel[id], role)
			}

			fmt.Printf("Registered models (%d):\n\n", reg.Size())
			for _, m := range reg.List() {
				flags := make([]string, 0, 3)
				if m.SupportsImages {
					flags = append(flags, "vision")
				}
				if m.SupportsCode {
					flags = append(flags, "code")
				}
				if m.SupportsReasoning {
					flags = append(flags, "reasoning")
				}
				fmt.Printf("  %-22s %-8s %-30s", m.ID, m.Speed, strings.Join(flags, ","))
				if assigned := roleByModel[m.ID]; len(assigned) > 0 {
					fmt.Printf("  [%s]", strings.Join(assigned, ", "))
				}
				fmt.Println()
			}

			if check {
				provider := buildProvider(cfg)
				fmt.Println()
				if provider.Available() {
					fmt.Printf("Ollama reachable at %s\n", cfg.Ollama.Endpoint)
				} else {
					fmt.Printf("Ollama NOT reachable at %s\n", cfg.Ollama.Endpoint)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "probe the Ollama endpoint")

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			fmt.Println("Orquesta Configuration:")
			fmt.Println("───────────────────────")
			fmt.Printf("Ollama Endpoint: %s\n", cfg.Ollama.Endpoint)
			fmt.Printf("Server Address:  %s\n", cfg.Server.Addr)
			fmt.Printf("Database Path:   %s\n", cfg.Storage.DBPath)
			fmt.Printf("Cache Enabled:   %t (ttl %s, max %d)\n", cfg.Cache.Enabled, cfg.Cache.TTL, cfg.Cache.MaxEntries)
			fmt.Printf("Max Attempts:    %d\n", cfg.Routing.MaxAttempts)
			fmt.Printf("History Window:  %d\n", cfg.Chat.HistoryWindow)
			fmt.Printf("Log Level:       %s\n", cfg.Logging.Level)
			fmt.Println("\nModel roles:")
			fmt.Printf("  vision:       %s\n", cfg.Routing.Roles.Vision)
			fmt.Printf("  code:         %s\n", cfg.Routing.Roles.Code)
			fmt.Printf("  optimization: %s\n", cfg.Routing.Roles.Optimization)
			fmt.Printf("  reasoning:    %s\n", cfg.Routing.Roles.Reasoning)
			fmt.Printf("  fast:         %s\n", cfg.Routing.Roles.Fast)
			fmt.Printf("  general:      %s\n", cfg.Routing.Roles.General)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				fmt.Println(cfgPath)
				return
			}
			home, err := os.UserHomeDir()
			if err != nil {
				home = "."
			}
			fmt.Println(home + "/.orquesta/config.yaml")
		},
	})

	return cmd
}
