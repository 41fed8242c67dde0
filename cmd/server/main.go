package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"oncoroom-relay/internal/config"
	"oncoroom-relay/internal/core"
	"oncoroom-relay/internal/db"
	httpserver "oncoroom-relay/internal/http"
	"oncoroom-relay/internal/llm"
	"oncoroom-relay/internal/logging"
	"oncoroom-relay/internal/mongodb"
	"oncoroom-relay/internal/patients"
	"oncoroom-relay/internal/workers"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "relay",
		Short:        "Clinician/patient consultation relay",
		Long:         "relay hosts token-scoped chat rooms between clinicians and patients and pushes conversation analyses to clinicians.",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	v := config.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("addr", "", "listen address")
	flags.String("server-url", "", "base URL for session links")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "dev or prod")
	flags.String("patient-store", "", "memory, postgres or mongo")
	flags.String("patients-seed", "", "JSON file of patient records loaded into the memory or mongo store")
	flags.String("database-url", "", "Postgres DSN")
	flags.String("mongo-uri", "", "MongoDB URI")
	flags.Duration("session-ttl", 0, "close sessions idle this long (0 disables)")
	bindFlags(v, cmd)
	return cmd
}

// bindFlags maps every dashed flag onto the matching underscore key.
func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for _, key := range config.Keys() {
		if f := cmd.Flags().Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var (
		store   core.PatientStore
		archive core.Archive
		sink    core.ResultSink
		pings   []func(context.Context) error
	)

	var repo *db.Repository
	if cfg.DatabaseURL != "" {
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer conn.Close()
		repo = db.NewRepository(conn, db.NewNotifier(conn, cfg.NotifyChannel))
		archive, sink = repo, repo
		pings = append(pings, repo.Ping)
		logger.Info("postgres archive enabled", zap.String("notify_channel", cfg.NotifyChannel))
	}

	switch cfg.PatientStore {
	case config.StorePostgres:
		store = repo
	case config.StoreMongo:
		client, err := mongodb.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return err
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		ms := mongodb.NewPatientStore(client.Database(cfg.MongoDatabase))
		if err := ms.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		if cfg.PatientsSeed != "" {
			recs, err := patients.ReadSeed(cfg.PatientsSeed)
			if err != nil {
				return err
			}
			if err := ms.Seed(ctx, recs); err != nil {
				return err
			}
			logger.Info("mongo patients seeded", zap.Int("count", len(recs)))
		}
		store = ms
		pings = append(pings, func(ctx context.Context) error { return client.Ping(ctx, nil) })
	default:
		mem := patients.NewMemory()
		if cfg.PatientsSeed != "" {
			if mem, err = patients.LoadFile(cfg.PatientsSeed); err != nil {
				return err
			}
		}
		store = mem
	}
	logger.Info("patient store ready", zap.String("store", cfg.PatientStore))

	registry := core.NewRegistry()
	transcripts := core.NewTranscripts()

	var (
		triggers core.Triggers
		analyzer *core.Analyzer
		archiver *core.Archiver
	)
	if archive != nil {
		archiver = core.NewArchiver(logger.Named("archive"), registry, archive, cfg.ArchiveTimeout)
		triggers = append(triggers, archiver)
	}
	if cfg.OpenAIAPIKey != "" || cfg.OpenAIBaseURL != "" {
		summarizer := llm.NewOpenAIClient(llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		})
		analyzer = core.NewAnalyzer(logger.Named("analysis"), registry, transcripts, store, summarizer, core.AnalyzerOptions{
			Workers:   cfg.AnalysisWorkers,
			QueueSize: cfg.AnalysisQueue,
			Timeout:   cfg.AnalysisTimeout,
			Sink:      sink,
		})
		triggers = append(triggers, analyzer)
	} else {
		logger.Warn("no OpenAI credentials configured, analysis disabled")
	}

	var trigger core.Trigger
	if len(triggers) > 0 {
		trigger = triggers
	}
	relay := core.NewRelay(logger.Named("relay"), registry, transcripts, trigger)
	if archiver != nil {
		archiver.Start(ctx)
		defer archiver.Stop()
	}
	if analyzer != nil {
		analyzer.Start(ctx, relay)
		defer analyzer.Stop()
	}

	if cfg.SessionTTL > 0 {
		reaper := workers.NewSessionReaper(relay, logger.Named("reaper"), cfg.ReapInterval, cfg.SessionTTL)
		reaper.Start()
		defer reaper.Stop()
	}

	opts := httpserver.Options{
		ServerURL:   cfg.ServerURL,
		SendBuffer:  cfg.SendBuffer,
		AllowOrigin: cfg.AllowsOrigin,
		Ping:        pingAll(pings),
	}
	if repo != nil {
		opts.History = repo
	}
	handler := httpserver.NewServer(logger.Named("http"), relay, registry, transcripts, store, opts)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(handler.CloseClients)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr), zap.String("server_url", cfg.ServerURL))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Socket handlers leave their rooms before the workers stop.
	return handler.WaitClients(shutdownCtx)
}

func pingAll(pings []func(context.Context) error) func(context.Context) error {
	if len(pings) == 0 {
		return nil
	}
	return func(ctx context.Context) error {
		for _, p := range pings {
			if err := p(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
