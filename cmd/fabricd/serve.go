package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fabricd/internal/backend"
	"fabricd/internal/config"
	"fabricd/internal/events"
	"fabricd/internal/httpapi"
	"fabricd/internal/journal"
	"fabricd/internal/manager"
	"fabricd/internal/registry"
	"fabricd/internal/session"
	"fabricd/internal/sysinfo"
)

type serveFlags struct {
	addr         string
	modelsDir    string
	defaultModel string
	projector    string
	corsOrigins  string
	inferTimeout int64
	maxSessions  int

	worker      bool
	workerAddr  string
	controlPort int
	proxyPort   int
	workerType  string
	clientID    string
	journalPath string
}

func newServeCmd(rf *rootFlags) *cobra.Command { return buildServeCmd(rf, &serveFlags{}) }

func buildServeCmd(rf *rootFlags, sf *serveFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and, when configured, the orchestrator worker",
		Example: "  fabricd serve --models-dir ~/models/llm --default-model qwen2-vl-2b-q4_k_m.gguf\n" +
			"  fabricd serve -c fabricd.yaml --worker --worker-addr 10.0.0.5 --client-id 0123456789abcdef0123456789abcdef",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rf.loadConfig()
			if err != nil {
				return err
			}
			sf.apply(cmd, &cfg)
			cfg.ApplyDefaults()
			return serve(cmd.Context(), cfg, sf.inferTimeout)
		},
	}
	f := cmd.Flags()
	f.StringVar(&sf.addr, "addr", envStr("FABRICD_ADDR", ""), "HTTP listen address, e.g. :8080")
	f.StringVar(&sf.modelsDir, "models-dir", "", "Directory to scan for *.gguf model files")
	f.StringVar(&sf.defaultModel, "default-model", "", "Model id or path loaded at startup")
	f.StringVar(&sf.projector, "projector", "", "Projector (mmproj) path for the default model")
	f.StringVar(&sf.corsOrigins, "cors-origins", "", "Comma-separated CORS origins; enables CORS when set")
	f.Int64Var(&sf.inferTimeout, "infer-timeout", 0, "Maximum seconds per /infer request (0 disables)")
	f.IntVar(&sf.maxSessions, "max-sessions", 0, "Maximum concurrent generation sessions")
	f.BoolVar(&sf.worker, "worker", false, "Connect to the orchestrator on startup")
	f.StringVar(&sf.workerAddr, "worker-addr", "", "Orchestrator address")
	f.IntVar(&sf.controlPort, "control-port", 0, "Orchestrator control port")
	f.IntVar(&sf.proxyPort, "proxy-port", 0, "Orchestrator proxy port")
	f.StringVar(&sf.workerType, "worker-type", "", "Worker transport: tcp|ws")
	f.StringVar(&sf.clientID, "client-id", envStr("FABRICD_CLIENT_ID", ""), "Worker client id (32 hex characters)")
	f.StringVar(&sf.journalPath, "journal", "", "SQLite task journal path (empty keeps it in memory)")
	return cmd
}

// apply overlays explicitly set flags on cfg.
func (sf *serveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if sf.addr != "" {
		cfg.Admin.Addr = sf.addr
	}
	if set("models-dir") {
		cfg.Models.Dir = sf.modelsDir
	}
	if set("default-model") {
		cfg.Models.Default = sf.defaultModel
	}
	if set("projector") {
		cfg.Models.Projector = sf.projector
	}
	if set("cors-origins") {
		cfg.Admin.CORSOrigins = splitCSV(sf.corsOrigins)
		cfg.Admin.CORSEnabled = len(cfg.Admin.CORSOrigins) > 0
	}
	if set("max-sessions") {
		cfg.Sessions.Max = sf.maxSessions
	}
	if set("worker") {
		cfg.Worker.Enabled = sf.worker
	}
	if set("worker-addr") {
		cfg.Worker.Addr = sf.workerAddr
	}
	if set("control-port") {
		cfg.Worker.ControlPort = sf.controlPort
	}
	if set("proxy-port") {
		cfg.Worker.ProxyPort = sf.proxyPort
	}
	if set("worker-type") {
		cfg.Worker.Type = sf.workerType
	}
	if sf.clientID != "" {
		cfg.Worker.ClientID = sf.clientID
	}
	if set("journal") {
		cfg.Worker.JournalPath = sf.journalPath
	}
}

// newRuntime builds a Runtime from a defaulted config. The registry scan is
// best effort: a missing models directory leaves it empty.
func newRuntime(cfg config.Config, log zerolog.Logger) (*manager.Runtime, error) {
	reg, err := registry.LoadDir(cfg.Models.Dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", cfg.Models.Dir).Msg("model scan failed")
	}
	wc, err := cfg.WorkerOptions()
	if err != nil {
		return nil, err
	}
	var jr journal.Journal
	if cfg.Worker.JournalPath != "" {
		j, err := journal.OpenSQLite(cfg.Worker.JournalPath)
		if err != nil {
			return nil, err
		}
		jr = j
	}
	return manager.NewWithConfig(manager.Config{
		Registry: reg,
		Sampling: *cfg.Sampling,
		Context: backend.ContextOptions{
			Size:      cfg.Sessions.ContextSize,
			BatchSize: cfg.Sessions.BatchSize,
		},
		Truncation:     session.Truncation{Enabled: cfg.Sessions.Truncate, Keep: cfg.Sessions.TruncateKeep},
		MaxSessions:    cfg.Sessions.Max,
		MaxWait:        cfg.Sessions.MaxWait.Std(),
		MaxTokens:      cfg.Sessions.MaxTokens,
		EmbedCacheSize: cfg.Sessions.EmbedCacheSize,
		Worker:         wc,
		Journal:        jr,
		Collector:      &sysinfo.Host{},
		Logger:         &log,
	}), nil
}

func serve(ctx context.Context, cfg config.Config, inferTimeout int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := newLogger(cfg.Log, os.Stderr)
	rt, err := newRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn().Err(err).Msg("runtime close")
		}
	}()

	if cfg.Models.Default != "" {
		if _, err := rt.Swap(ctx, cfg.Models.Default, cfg.Models.Projector); err != nil {
			// keep serving; a model can still be loaded through the API
			log.Error().Err(err).Str("model", cfg.Models.Default).Msg("default model load failed")
		}
	}

	baseCtx, cancelBase := context.WithCancel(ctx)
	defer cancelBase()
	pub := events.Func(func(status string) { log.Info().Str("component", "events").Msg(status) })
	if err := rt.StartBackgroundTasks(pub); err != nil {
		return err
	}
	if cfg.Worker.Enabled {
		err := rt.StartWorker(baseCtx, cfg.Worker.Addr, cfg.Worker.ControlPort, cfg.Worker.ProxyPort, cfg.Worker.Type, cfg.Worker.ClientID)
		if err != nil {
			log.Error().Err(err).Msg("worker start failed")
		}
	}

	httpapi.SetLogger(log)
	httpapi.SetMaxBodyBytes(cfg.Admin.MaxBodyBytes)
	httpapi.SetInferTimeoutSeconds(inferTimeout)
	httpapi.SetCORSOptions(cfg.Admin.CORSEnabled, cfg.Admin.CORSOrigins,
		[]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		[]string{"Content-Type", "X-Log-Level"})
	httpapi.SetBaseContext(baseCtx)

	srv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           httpapi.NewMux(rt),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Admin.Addr).Str("models_dir", cfg.Models.Dir).Msg("fabricd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	select {
	case <-stop:
	case <-ctx.Done():
	case err := <-errc:
		return err
	}
	cancelBase()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}
