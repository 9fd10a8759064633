package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"relaybot/internal/backend"
	"relaybot/internal/bus"
	"relaybot/internal/channel"
	"relaybot/internal/config"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/metrics"
	"relaybot/internal/mirror"
	"relaybot/internal/payment"
	"relaybot/internal/relay"
	"relaybot/internal/store"
	"relaybot/internal/suppress"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "relaybot: conversational commerce relay",
		Long:  "relaybot relays chat turns between messaging channels, an AI ordering backend, and a CRM mirror.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.relaybot/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(suppressCmd())
	root.AddCommand(ordersCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Defaults()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the relay (channels + backend + dispatch)",
		Long:  "Starts all enabled channels and the relay pipeline. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

// openStore creates the configured persistence backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "redis":
		return store.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB, logger)
	default:
		return store.NewSQLiteStore(cfg.Store.Path, logger)
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildService assembles the relay pipeline from config: store, suppression
// set, bus, backend, mirror, payments, router.
func buildService(ctx context.Context, cfg *config.Config) (*relay.Service, *bus.InMemoryBus, store.Store, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}

	suppressed, err := suppress.New(ctx, st, logger)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("load suppression set: %w", err)
	}

	messageBus := bus.New(cfg.General.BusBuffer, logger)

	var mirrorSvc domain.Mirror
	if cfg.Mirror.Enabled {
		mirrorSvc = mirror.NewChatwoot(mirror.ChatwootConfig{
			APIURL:      cfg.Mirror.APIURL,
			AccountID:   cfg.Mirror.AccountID,
			InboxID:     cfg.Mirror.InboxID,
			AccessToken: cfg.Mirror.AccessToken,
			Refs:        st,
			Logger:      logger,
		})
		logger.Info("mirror enabled", "api", cfg.Mirror.APIURL)
	}

	var payments domain.PaymentLinker
	if cfg.Payment.Enabled {
		payments = payment.NewMercadoPago(payment.MercadoPagoConfig{
			AccessToken: cfg.Payment.AccessToken,
			APIBase:     cfg.Payment.APIBase,
			UnitPrice:   cfg.Payment.UnitPrice,
			Currency:    cfg.Payment.Currency,
			BackURLBase: cfg.Payment.BackURLBase,
			Logger:      logger,
		})
		logger.Info("payment links enabled")
	}

	ai := backend.NewOpenAI(backend.OpenAIConfig{
		APIKey:       cfg.Backend.APIKey,
		APIBase:      cfg.Backend.APIBase,
		Model:        cfg.Backend.Model,
		SystemPrompt: cfg.Backend.SystemPrompt,
		Temperature:  cfg.Backend.Temperature,
		Logger:       logger,
	})

	router := dispatch.NewRouter(mirrorSvc, logger)

	svc := relay.New(relay.Config{
		Backend:           ai,
		Router:            router,
		Mirror:            mirrorSvc,
		Payments:          payments,
		Suppressed:        suppressed,
		Orders:            st,
		Bus:               messageBus,
		PrivilegedSenders: cfg.General.PrivilegedSenders,
		TurnTimeout:       cfg.TurnTimeout(),
		DisableMarker:     cfg.General.DisableMarker,
		Logger:            logger,
	})

	return svc, messageBus, st, nil
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.General.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, messageBus, st, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	defer messageBus.Close()

	started := 0
	var channels []domain.Channel

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(cfg.Channels.Telegram, logger)
		svc.RegisterTransport(tg)
		channels = append(channels, tg)
		go func() {
			if err := tg.Start(ctx, messageBus); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		started++
	}

	if cfg.Channels.WhatsApp.Enabled {
		wa := channel.NewWhatsApp(cfg.Channels.WhatsApp, logger)
		svc.RegisterTransport(wa)
		channels = append(channels, wa)
		if err := wa.Start(ctx, messageBus); err != nil {
			return fmt.Errorf("whatsapp channel: %w", err)
		}
		started++
	}

	if started == 0 {
		return fmt.Errorf("no channels enabled, nothing to relay")
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}

	logger.Info("relay started", "version", version, "channels", started)

	svc.Run(ctx)

	logger.Info("shutting down...")
	for _, ch := range channels {
		if err := ch.Stop(); err != nil {
			logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

// serveMetrics exposes the Prometheus text endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "err", err)
	}
}

// chatCmd drives the pipeline from the terminal, useful for trying prompts
// and order flows without a messaging account.
func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Talk to the relay from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				logger.Warn("config not found, using defaults", "err", err)
				cfg = config.Defaults()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, messageBus, st, err := buildService(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			defer messageBus.Close()

			console := channel.NewConsole(channel.ConsoleConfig{Logger: logger})
			svc.RegisterTransport(console)

			go svc.Run(ctx)

			err = console.Start(ctx, messageBus)
			stop()
			return err
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and store status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("channels",
				"whatsapp", cfg.Channels.WhatsApp.Enabled,
				"telegram", cfg.Channels.Telegram.Enabled,
			)
			logger.Info("integrations",
				"mirror", cfg.Mirror.Enabled,
				"payment", cfg.Payment.Enabled,
				"store", cfg.Store.Driver,
			)

			st, err := openStore(cfg)
			if err != nil {
				logger.Info("store", "healthy", false, "err", err)
				return nil
			}
			defer st.Close()

			users, err := st.LoadSuppressed(cmd.Context())
			if err != nil {
				logger.Info("store", "healthy", false, "err", err)
				return nil
			}
			logger.Info("store", "healthy", true, "suppressed_users", len(users))
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. general.logLevel)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. general.logLevel debug)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

// suppressCmd manages the per-user kill switch from the command line. The
// same switch is reachable at runtime through privileged chat commands.
func suppressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suppress",
		Short: "Manage users excluded from automated replies",
	}

	withStore := func(fn func(ctx context.Context, st store.Store) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()
			return fn(cmd.Context(), st)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List suppressed users",
		RunE: withStore(func(ctx context.Context, st store.Store) error {
			users, err := st.LoadSuppressed(ctx)
			if err != nil {
				return err
			}
			if len(users) == 0 {
				fmt.Println("no suppressed users")
				return nil
			}
			for _, u := range users {
				fmt.Println(u)
			}
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [user]",
		Short: "Turn automated replies off for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				if err := st.AddSuppressed(ctx, args[0]); err != nil {
					return err
				}
				logger.Info("user suppressed", "user", args[0])
				return nil
			})(cmd, args)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [user]",
		Short: "Turn automated replies back on for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.Store) error {
				if err := st.RemoveSuppressed(ctx, args[0]); err != nil {
					return err
				}
				logger.Info("user enabled", "user", args[0])
				return nil
			})(cmd, args)
		},
	})

	return cmd
}

func ordersCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List recent orders with their payment links",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			orders, err := st.RecentOrders(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(orders) == 0 {
				fmt.Println("no orders recorded")
				return nil
			}
			for _, o := range orders {
				fmt.Printf("%s  %s  user=%s  facility=%q  total=%d  %s\n",
					o.CreatedAt.Format(time.RFC3339), o.ID, o.UserID, o.Facility, o.Total, o.PaymentURL)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum orders to show")
	return cmd
}
