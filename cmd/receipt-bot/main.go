package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/medstack/receiptocr/internal/config"
	"github.com/medstack/receiptocr/internal/family"
	"github.com/medstack/receiptocr/internal/inbox"
	"github.com/medstack/receiptocr/internal/linebot"
	"github.com/medstack/receiptocr/internal/ocr"
	"github.com/medstack/receiptocr/internal/pipeline"
	"github.com/medstack/receiptocr/internal/template"
	"github.com/medstack/receiptocr/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	addr := flag.String("addr", ":8080", "Listen address")
	debug := flag.Bool("debug", false, "Development logging")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logg, err := logger.New(os.Getenv("LOG_LEVEL"), *debug)
	if err != nil {
		log.Fatal(err)
	}
	defer logg.Sync()

	secrets := config.LoadSecrets()
	channelSecret := required("RECEIPTOCR_LINE_CHANNEL_SECRET", secrets.LineChannelSecret)
	channelToken := required("RECEIPTOCR_LINE_CHANNEL_TOKEN", secrets.LineChannelToken)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		logg.Warn("tracing disabled", zap.Error(err))
	}
	defer shutdownTracing()

	repo, err := inbox.OpenRepository(cfg.Inbox.SQLitePath)
	if err != nil {
		logg.Fatal("open repository", zap.Error(err))
	}
	defer repo.Close()

	provider, err := buildProvider(cfg.OCR)
	if err != nil {
		logg.Fatal("ocr provider", zap.Error(err))
	}

	store := template.NewStore(cfg.Templates.Dir)
	pipeCfg := pipeline.Config{
		Classifier: cfg.Pipeline.Classifier,
		Amount:     cfg.Pipeline.Amount,
		Date:       cfg.Pipeline.Date,
		Resolver:   cfg.Pipeline.Resolver(),
		Templates:  template.MatcherConfig{MatchThreshold: cfg.Templates.HouseholdMatchThreshold},
		Year:       cfg.Pipeline.Year(),
		Engine:     provider.Name(),
	}
	factory := func(reg *family.Registry) inbox.Extractor {
		return pipeline.New(pipeCfg, reg, store, logg)
	}

	client := linebot.NewClient(channelToken)
	bot := inbox.NewBot(inbox.BotConfig{
		SessionTTL: time.Duration(cfg.Inbox.SessionTTLMinutes) * time.Minute,
		Quota: inbox.QuotaLimits{
			UserPerMinute: cfg.Inbox.Quota.UserPerMinute,
			UserPerDay:    cfg.Inbox.Quota.UserPerDay,
			GlobalPerDay:  cfg.Inbox.Quota.GlobalPerDay,
		},
		FuzzyNameThreshold:  cfg.FamilyRegistry.FuzzyThreshold,
		ImageDir:            cfg.Inbox.ImageStoreDir,
		RetentionDays:       cfg.Inbox.ImageRetentionDays,
		MaxFieldOptions:     cfg.Inbox.MaxCandidateOptions,
		DisableTextCommands: !cfg.Inbox.EnableTextCommands,
	}, repo, client, provider, factory, store, logg)

	go retentionLoop(ctx, repo, cfg.Inbox.ImageRetentionDays, logg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Method(http.MethodPost, "/webhook", linebot.NewWebhookHandler(channelSecret, bot, logg))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logg.Info("receipt-bot listening", zap.String("addr", *addr), zap.String("ocr_engine", provider.Name()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logg.Fatal("server", zap.Error(err))
	}
}

func buildProvider(cfg config.OCRConfig) (ocr.Provider, error) {
	switch cfg.Engine {
	case "mock", "":
		p := &ocr.MockProvider{}
		if cfg.FixturePath != "" {
			blob, err := os.ReadFile(cfg.FixturePath)
			if err != nil {
				return nil, fmt.Errorf("read fixture: %w", err)
			}
			p.Fixture = blob
		}
		return p, nil
	case "anthropic":
		return ocr.NewAnthropicProviderFromEnv()
	case "documentai":
		return nil, fmt.Errorf("engine documentai decodes pre-extracted payloads; use receipt-batch")
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", cfg.Engine)
	}
}

// setupTracing enables OTLP export when the standard endpoint variable is
// set; otherwise tracing stays a no-op.
func setupTracing(ctx context.Context) (func(), error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return func() {}, nil
	}
	exporter, err := otlptracehttp.New(ctx)
	if err != nil {
		return func() {}, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}

func retentionLoop(ctx context.Context, repo *inbox.Repository, days int, logg *zap.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := repo.CleanupRetention(days); err != nil {
				logg.Warn("retention sweep failed", zap.Error(err))
			}
			if err := repo.SweepQuotaWindows(); err != nil {
				logg.Warn("quota sweep failed", zap.Error(err))
			}
		}
	}
}

func required(name, value string) string {
	if strings.TrimSpace(value) == "" {
		log.Fatalf("missing required env var %s", name)
	}
	return value
}
