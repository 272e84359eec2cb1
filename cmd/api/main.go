package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"medication-reminder/internal/adherence"
	"medication-reminder/internal/audit"
	"medication-reminder/internal/auth"
	"medication-reminder/internal/calls"
	"medication-reminder/internal/config"
	"medication-reminder/internal/fallback"
	"medication-reminder/internal/observe"
	"medication-reminder/internal/pipeline"
	"medication-reminder/internal/recording"
	"medication-reminder/internal/reporting"
	"medication-reminder/internal/speech"
	"medication-reminder/internal/telephony"
	"medication-reminder/internal/transcription"
	"medication-reminder/pkg/logger"
	"medication-reminder/pkg/utils"
)

const (
	serviceName     = "medication-reminder"
	pipelineLockTTL = 5 * time.Minute
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is fine; the environment may already be populated.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env load failed", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	promptDir, recordingDir, err := scratchDirs(cfg.Reminder.ScratchDir)
	if err != nil {
		log.Error("scratch dir init failed", "dir", cfg.Reminder.ScratchDir, "err", err)
		os.Exit(1)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	meterProvider, metricsHandler, err := observe.NewPrometheusProvider(serviceName)
	if err != nil {
		log.Error("metrics init failed", "err", err)
		os.Exit(1)
	}
	metrics, err := observe.NewMetrics(meterProvider)
	if err != nil {
		log.Error("metrics instruments failed", "err", err)
		os.Exit(1)
	}

	tracerProvider := observe.InitTracing(serviceName)

	store, db, err := openStore(rootCtx, cfg)
	if err != nil {
		log.Error("store init failed", "driver", cfg.Store.Driver, "err", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	var rdb *redis.Client
	if cfg.RedisEnabled() {
		rdb, err = utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			log.Error("redis init failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
	}

	twilio, err := telephony.NewTwilioClient(telephony.TwilioConfig{
		AccountSID:    cfg.Twilio.AccountSID,
		AuthToken:     cfg.Twilio.AuthToken,
		FromNumber:    cfg.Twilio.PhoneNumber,
		APIBaseURL:    cfg.Twilio.APIBaseURL,
		PublicBaseURL: cfg.App.PublicBaseURL,
	}, nil)
	if err != nil {
		log.Error("twilio init failed", "err", err)
		os.Exit(1)
	}

	transcriber, err := transcription.New(cfg.Deepgram.APIKey,
		transcription.WithModel(cfg.Deepgram.Model),
		transcription.WithBaseURL(cfg.Deepgram.BaseURL),
	)
	if err != nil {
		log.Error("transcription init failed", "err", err)
		os.Exit(1)
	}

	synth, err := speech.New(cfg.Deepgram.APIKey,
		speech.WithModel(cfg.Deepgram.TTSModel),
		speech.WithBaseURL(cfg.Deepgram.BaseURL),
		speech.WithScratchDir(promptDir),
		speech.WithTTL(cfg.Reminder.PromptTTL),
	)
	if err != nil {
		log.Error("speech init failed", "err", err)
		os.Exit(1)
	}

	auditSvc := audit.NewService(audit.NewMemoryRepo())

	orchOpts := []pipeline.Option{
		pipeline.WithTranscribeTimeout(cfg.Deepgram.TranscribeTimeout),
		pipeline.WithAudit(auditSvc),
		pipeline.WithMetrics(metrics),
	}
	if rdb != nil {
		orchOpts = append(orchOpts, pipeline.WithLocker(utils.NewLocker(rdb, "reminder:pipeline:"), pipelineLockTTL))
	}
	extractor := adherence.NewExtractor(cfg.Reminder.Script.Medications)
	log.Info("tracking medications", "medications", extractor.Medications())

	orchestrator := pipeline.New(
		store,
		recording.New(twilio,
			recording.WithGrace(cfg.Reminder.RecordingGrace),
			recording.WithScratchDir(recordingDir),
		),
		transcriber,
		extractor,
		orchOpts...,
	)

	dispatcher := fallback.NewDispatcher(twilio, store, cfg.Reminder.Script.SMS)
	dispatcher.Audit = auditSvc
	dispatcher.Metrics = metrics

	deps := routeDeps{
		authMW:   auth.RequireAccessToken(authManager),
		metrics:  metricsHandler,
		audioDir: synth.Dir(),
		db:       db,
		webhooks: telephony.WebhookHandler{
			Script:        cfg.Reminder.Script,
			PublicBaseURL: cfg.App.PublicBaseURL,
			Prompts:       synth,
			Store:         store,
			Pipeline:      orchestrator,
			Fallback:      dispatcher,
			Recordings:    twilio,
		},
		api: httpapiHandlers(authManager, store, twilio, reporting.NewService(store), auditSvc),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, deps)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "store", cfg.Store.Driver, "redis", rdb != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Stop taking webhooks first, then let in-flight pipelines persist.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Error("pipeline drain incomplete", "err", err)
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		log.Error("fallback drain incomplete", "err", err)
	}
	if err := synth.Shutdown(shutdownCtx); err != nil {
		log.Warn("prompt cleanup incomplete", "err", err)
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown failed", "err", err)
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

// scratchDirs splits the scratch root into the prompt directory served under
// /audio and a private directory for patient recordings, which is never
// served.
func scratchDirs(root string) (prompts, recordings string, err error) {
	prompts = filepath.Join(root, "prompts")
	recordings = filepath.Join(root, "recordings")
	if err = os.MkdirAll(prompts, 0o755); err != nil {
		return "", "", err
	}
	if err = os.MkdirAll(recordings, 0o700); err != nil {
		return "", "", err
	}
	return prompts, recordings, nil
}

// openStore returns the configured call record store. db is nil for the
// memory driver.
func openStore(ctx context.Context, cfg config.Config) (calls.Store, *sql.DB, error) {
	if cfg.Store.Driver != config.StoreDriverPostgres {
		return calls.NewMemoryStore(), nil, nil
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return nil, nil, err
	}
	pg := calls.NewPostgresStore(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pg, db, nil
}
