package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/medstack/receiptocr/internal/config"
	"github.com/medstack/receiptocr/internal/evaluation"
	"github.com/medstack/receiptocr/internal/family"
	"github.com/medstack/receiptocr/internal/inbox"
	"github.com/medstack/receiptocr/internal/linebot"
	"github.com/medstack/receiptocr/internal/notify"
	"github.com/medstack/receiptocr/internal/ocr"
	"github.com/medstack/receiptocr/internal/pipeline"
	"github.com/medstack/receiptocr/internal/receipt"
	"github.com/medstack/receiptocr/internal/template"
	"github.com/medstack/receiptocr/pkg/logger"
)

const usage = `usage: receipt-batch <command> [flags]

commands:
  extract          run the pipeline over one OCR payload file
  batch            run the pipeline over a directory of payload files
  learn-template   fold a confirmed result back into the household templates
  refresh-summary  recompute a household's yearly total from the database
  healthcheck-ocr  verify the configured OCR engine answers
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()

	var err error
	switch os.Args[1] {
	case "extract":
		err = runExtract(os.Args[2:])
	case "batch":
		err = runBatch(os.Args[2:])
	case "learn-template":
		err = runLearnTemplate(os.Args[2:])
	case "refresh-summary":
		err = runRefreshSummary(os.Args[2:])
	case "healthcheck-ocr":
		err = runHealthcheck(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func runExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	input := fs.String("input", "", "OCR payload file")
	household := fs.String("household", "default", "Household ID")
	output := fs.String("output", "", "Result JSON path (defaults to stdout)")
	debug := fs.Bool("debug", false, "Development logging")
	fs.Parse(args)

	if *input == "" {
		return fmt.Errorf("missing required -input")
	}
	env, err := newBatchEnv(*configPath, *debug)
	if err != nil {
		return err
	}
	defer env.close()

	ctx := context.Background()
	result, err := env.runFile(ctx, *input, *household)
	if err != nil {
		return err
	}
	return writeJSON(*output, result)
}

func runBatch(args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	dir := fs.String("dir", "", "Directory of OCR payload files")
	household := fs.String("household", "default", "Household ID")
	outDir := fs.String("out", "", "Directory for per-document result JSON")
	labelsPath := fs.String("labels", "", "Optional labeled-set JSON for evaluation")
	reportPath := fs.String("report", "", "Optional markdown report path")
	debug := fs.Bool("debug", false, "Development logging")
	fs.Parse(args)

	if *dir == "" {
		return fmt.Errorf("missing required -dir")
	}
	env, err := newBatchEnv(*configPath, *debug)
	if err != nil {
		return err
	}
	defer env.close()

	entries, err := os.ReadDir(*dir)
	if err != nil {
		return fmt.Errorf("read payload dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(*dir, e.Name()))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return fmt.Errorf("no payload files in %s", *dir)
	}

	started := env.now()
	ctx := context.Background()
	var results []*receipt.ExtractionResult
	failed := 0
	for _, path := range paths {
		result, err := env.runFile(ctx, path, *household)
		if err != nil {
			failed++
			env.log.Warn("document failed", zap.String("path", path), zap.Error(err))
			continue
		}
		results = append(results, result)
	}
	env.pipe.ReconcileBatch(results)

	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			return err
		}
		for _, r := range results {
			out := filepath.Join(*outDir, r.DocumentID+".result.json")
			if err := writeJSON(out, r); err != nil {
				return err
			}
		}
	}

	accepted, review, rejected := tallyDecisions(results)
	summary := notify.BatchSummary(len(results)+failed, accepted, review, rejected, started)
	env.log.Info("batch finished",
		zap.Int("documents", len(results)),
		zap.Int("failed", failed),
		zap.Int("auto_accept", accepted),
		zap.Int("review_required", review),
		zap.Int("rejected", rejected))

	if *labelsPath != "" {
		labels, err := readLabels(*labelsPath)
		if err != nil {
			return err
		}
		metrics := evaluation.Evaluate(results, labels)
		markdown := evaluation.RenderMarkdown(metrics, env.now())
		if *reportPath != "" {
			if err := os.WriteFile(*reportPath, []byte(markdown), 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
		} else {
			fmt.Print(markdown)
		}
	}

	if fan := buildNotifiers(env.cfg, env.log); fan != nil {
		notifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		_ = fan.Notify(notifyCtx, summary)
	}
	return nil
}

func runLearnTemplate(args []string) error {
	fs := flag.NewFlagSet("learn-template", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	input := fs.String("input", "", "Confirmed extraction result JSON")
	fs.Parse(args)

	if *input == "" {
		return fmt.Errorf("missing required -input")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	blob, err := os.ReadFile(*input)
	if err != nil {
		return fmt.Errorf("read result: %w", err)
	}
	var result receipt.ExtractionResult
	if err := json.Unmarshal(blob, &result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	if len(result.OCRLines) == 0 {
		return fmt.Errorf("result carries no ocr lines; re-run extract with line output enabled")
	}

	store := template.NewStore(cfg.Templates.Dir)
	var matched *template.Template
	if result.Template != nil && result.Template.Matched {
		tpls, err := store.Load(result.HouseholdID)
		if err != nil {
			return err
		}
		for _, tpl := range tpls {
			if tpl.ID == result.Template.TemplateID {
				matched = tpl
				break
			}
		}
	}
	learner := template.NewLearner(store)
	tpl, err := learner.Learn(result.HouseholdID, result.DocumentType, result.OCRLines, matched, result.Fields)
	if err != nil {
		return err
	}
	fmt.Printf("template %s updated (household %s)\n", tpl.ID, result.HouseholdID)
	return nil
}

func runRefreshSummary(args []string) error {
	fs := flag.NewFlagSet("refresh-summary", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	userID := fs.String("user", "", "LINE user ID")
	year := fs.Int("year", 0, "Tax year (defaults to the current year)")
	fs.Parse(args)

	if *userID == "" {
		return fmt.Errorf("missing required -user")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	repo, err := inbox.OpenRepository(cfg.Inbox.SQLitePath)
	if err != nil {
		return err
	}
	defer repo.Close()

	y := *year
	if y == 0 {
		y = time.Now().Year()
	}
	total, err := repo.YearTotal(*userID, y)
	if err != nil {
		return err
	}
	fmt.Println(linebot.TotalMessage(y, total))
	return nil
}

func runHealthcheck(args []string) error {
	fs := flag.NewFlagSet("healthcheck-ocr", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config")
	sample := fs.String("sample", "", "Sample payload or image for the check")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	provider, err := buildFileProvider(cfg.OCR)
	if err != nil {
		return err
	}
	if *sample == "" && cfg.OCR.Engine != "mock" && cfg.OCR.Engine != "" {
		return fmt.Errorf("engine %s needs a -sample payload", cfg.OCR.Engine)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	var lines []receipt.OCRLine
	if *sample != "" {
		lines, err = recognizeFile(ctx, provider, *sample)
	} else {
		lines, err = provider.Recognize(ctx, nil)
	}
	if err != nil {
		return fmt.Errorf("ocr check failed: %w", err)
	}
	fmt.Printf("ok: engine=%s lines=%d mean_confidence=%.2f\n",
		provider.Name(), len(lines), ocr.MeanConfidence(lines))
	return nil
}

// batchEnv bundles the objects the extract and batch subcommands share.
type batchEnv struct {
	cfg      *config.Config
	log      *zap.Logger
	provider ocr.Provider
	pipe     *pipeline.Pipeline
	now      func() time.Time
}

func newBatchEnv(configPath string, debug bool) (*batchEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logg, err := logger.New(os.Getenv("LOG_LEVEL"), debug)
	if err != nil {
		return nil, err
	}
	provider, err := buildFileProvider(cfg.OCR)
	if err != nil {
		return nil, err
	}
	registry, err := configuredRegistry(cfg.FamilyRegistry)
	if err != nil {
		return nil, err
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
	return &batchEnv{
		cfg:      cfg,
		log:      logg,
		provider: provider,
		pipe:     pipeline.New(pipeCfg, registry, store, logg),
		now:      time.Now,
	}, nil
}

func (e *batchEnv) close() { _ = e.log.Sync() }

func (e *batchEnv) runFile(ctx context.Context, path, household string) (*receipt.ExtractionResult, error) {
	lines, err := recognizeFile(ctx, e.provider, path)
	if err != nil {
		return nil, err
	}
	documentID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return e.pipe.Run(ctx, documentID, household, lines)
}

// recognizeFile prefers the engine's file decoder and falls back to
// reading the file as raw image bytes.
func recognizeFile(ctx context.Context, p ocr.Provider, path string) ([]receipt.OCRLine, error) {
	if fp, ok := p.(ocr.FileProvider); ok {
		return fp.RecognizeFile(ctx, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return p.Recognize(ctx, data)
}

func buildFileProvider(cfg config.OCRConfig) (ocr.Provider, error) {
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
	case "documentai":
		return docaiProvider{}, nil
	case "anthropic":
		return ocr.NewAnthropicProviderFromEnv()
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", cfg.Engine)
	}
}

// docaiProvider adapts the payload decoder to the provider interface so
// batch runs can treat every engine uniformly.
type docaiProvider struct {
	ocr.DocumentAIDecoder
}

func (d docaiProvider) Recognize(ctx context.Context, payload []byte) ([]receipt.OCRLine, error) {
	return d.Decode(payload)
}

func configuredRegistry(cfg config.FamilyConfig) (*family.Registry, error) {
	members := make([]family.Member, 0, len(cfg.Members))
	for _, name := range cfg.Members {
		members = append(members, family.Member{Canonical: family.Normalize(name)})
	}
	return family.NewRegistry(members, cfg.Required, cfg.FuzzyThreshold)
}

func buildNotifiers(cfg *config.Config, logg *zap.Logger) *notify.Fanout {
	var targets []notify.Notifier
	if cfg.Notifications.SlackWebhookURL != "" {
		targets = append(targets, notify.NewSlackNotifier(cfg.Notifications.SlackWebhookURL))
	}
	if cfg.Notifications.DiscordWebhookURL != "" {
		targets = append(targets, notify.NewDiscordNotifier(cfg.Notifications.DiscordWebhookURL))
	}
	if cfg.Notifications.LinePushUserID != "" {
		if token := config.LoadSecrets().LineChannelToken; token != "" {
			client := linebot.NewClient(token)
			targets = append(targets, notify.NewLineNotifier(client, cfg.Notifications.LinePushUserID))
		}
	}
	if len(targets) == 0 {
		return nil
	}
	return notify.NewFanout(logg, targets...)
}

func tallyDecisions(results []*receipt.ExtractionResult) (accepted, review, rejected int) {
	for _, r := range results {
		switch r.Decision.Status {
		case receipt.StatusAutoAccept:
			accepted++
		case receipt.StatusReviewRequired:
			review++
		case receipt.StatusRejected:
			rejected++
		}
	}
	return accepted, review, rejected
}

func readLabels(path string) ([]evaluation.Label, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}
	var labels []evaluation.Label
	if err := json.Unmarshal(blob, &labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return labels, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err = fmt.Println(string(b))
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
