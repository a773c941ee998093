// Package pipeline wires the extraction stages together: normalize,
// classify, extract, template match, resolve, family policy.
package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medstack/receiptocr/internal/classify"
	"github.com/medstack/receiptocr/internal/extract"
	"github.com/medstack/receiptocr/internal/family"
	"github.com/medstack/receiptocr/internal/receipt"
	"github.com/medstack/receiptocr/internal/resolve"
	"github.com/medstack/receiptocr/internal/template"
)

const maxPoolPerField = 5

const (
	ReasonFamilyDifferentSurname = "family_name_not_in_registry_different_surname"
	ReasonFamilySameSurname      = "family_name_not_in_registry_same_surname"
)

type Config struct {
	Classifier    classify.Config        `yaml:"classifier"`
	Amount        extract.AmountConfig   `yaml:"amount"`
	Date          extract.DateConfig     `yaml:"date"`
	Resolver      resolve.Config         `yaml:"resolver"`
	Templates     template.MatcherConfig `yaml:"templates"`
	Year          resolve.YearConfig     `yaml:"year"`
	Engine        string                 `yaml:"engine"`
	EngineVersion string                 `yaml:"engine_version"`
}

// Pipeline is safe for concurrent use; all stages are pure given their
// configs and the template store handles its own files.
type Pipeline struct {
	classifier *classify.Classifier
	amount     *extract.AmountExtractor
	date       *extract.DateExtractor
	facility   *extract.FacilityExtractor
	familyName *extract.FamilyNameExtractor
	registry   *family.Registry
	matcher    *template.Matcher
	store      *template.Store
	resolver   *resolve.Resolver
	year       *resolve.YearReconciler
	engine     string
	engineVer  string
	log        *zap.Logger
	tracer     trace.Tracer
}

func New(cfg Config, registry *family.Registry, store *template.Store, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	engine := cfg.Engine
	if engine == "" {
		engine = "mock"
	}
	return &Pipeline{
		classifier: classify.New(cfg.Classifier),
		amount:     extract.NewAmountExtractor(cfg.Amount),
		date:       extract.NewDateExtractor(cfg.Date),
		facility:   extract.NewFacilityExtractor(),
		familyName: extract.NewFamilyNameExtractor(registry),
		registry:   registry,
		matcher:    template.NewMatcher(cfg.Templates),
		store:      store,
		resolver:   resolve.New(cfg.Resolver),
		year:       resolve.NewYearReconciler(cfg.Year),
		engine:     engine,
		engineVer:  cfg.EngineVersion,
		log:        log,
		tracer:     otel.Tracer("receiptocr/pipeline"),
	}
}

// Run processes one document's normalized lines into an extraction result.
func (p *Pipeline) Run(ctx context.Context, documentID, householdID string, lines []receipt.OCRLine) (*receipt.ExtractionResult, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("document_id", documentID),
			attribute.String("household_id", householdID),
		))
	defer span.End()

	result := &receipt.ExtractionResult{
		DocumentID:  documentID,
		HouseholdID: householdID,
		Audit: receipt.AuditInfo{
			Engine:          p.engine,
			EngineVersion:   p.engineVer,
			PipelineVersion: receipt.PipelineVersion,
		},
		OCRLines: lines,
	}
	if len(lines) == 0 {
		result.Audit.Notes = append(result.Audit.Notes, "ocr_lines_empty")
	}

	cls := p.stage(ctx, "classify", func() classify.Result { return p.classifier.Classify(lines) })
	result.DocumentType = cls.Type
	result.Audit.ClassifierReasons = cls.Reasons

	pool := p.stageExtract(ctx, lines, cls.Type)

	var matched *template.Template
	if p.store != nil {
		_, tplSpan := p.tracer.Start(ctx, "pipeline.template")
		tpls, err := p.store.Load(householdID)
		if err != nil {
			p.log.Warn("template load failed", zap.String("household_id", householdID), zap.Error(err))
		} else if len(tpls) > 0 {
			var match receipt.TemplateMatch
			matched, match = p.matcher.BestMatch(tpls, lines, cls.Type)
			if match.TemplateID != "" {
				// Kept even below threshold so the best score shows up in
				// the audit output.
				result.Template = &match
			}
			if matched != nil {
				pool = resolve.MergePools(pool, p.matcher.Apply(matched, lines))
				result.Audit.Notes = append(result.Audit.Notes, "template_applied:"+matched.ID)
			}
		}
		tplSpan.End()
	}

	_, resSpan := p.tracer.Start(ctx, "pipeline.resolve")
	result.Fields = p.resolver.SelectFields(pool)
	result.Decision = p.resolver.Resolve(result.Fields, pool, cls.Quality, result.Template)
	p.applyFamilyPolicy(result)
	p.year.CheckTarget(result)
	result.Audit.Notes = append(result.Audit.Notes, result.Decision.Reasons...)
	result.CandidatePool = resolve.TruncatePool(pool, maxPoolPerField)
	resSpan.End()

	p.log.Info("document processed",
		zap.String("document_id", documentID),
		zap.String("household_id", householdID),
		zap.String("document_type", string(result.DocumentType)),
		zap.String("decision", string(result.Decision.Status)),
		zap.Float64("confidence", result.Decision.OverallConfidence),
	)
	return result, nil
}

// ReconcileBatch applies the batch year-outlier check after all documents
// of a run are extracted.
func (p *Pipeline) ReconcileBatch(results []*receipt.ExtractionResult) {
	p.year.CheckBatch(results)
}

func (p *Pipeline) stageExtract(ctx context.Context, lines []receipt.OCRLine, docType receipt.DocumentType) map[receipt.FieldName][]receipt.Candidate {
	_, span := p.tracer.Start(ctx, "pipeline.extract")
	defer span.End()

	pool := map[receipt.FieldName][]receipt.Candidate{}
	add := func(cands []receipt.Candidate) {
		for _, c := range cands {
			pool[c.Field] = append(pool[c.Field], c)
		}
	}
	add(p.amount.Extract(lines))
	add(p.date.Extract(lines))
	add(p.facility.Extract(lines, docType))
	add(p.familyName.Extract(lines))
	span.SetAttributes(attribute.Int("candidate_fields", len(pool)))
	return pool
}

// applyFamilyPolicy enforces registry membership on the extracted name.
func (p *Pipeline) applyFamilyPolicy(result *receipt.ExtractionResult) {
	cand, ok := result.Fields[receipt.FieldFamilyMember]
	if !ok {
		return
	}
	var origin string
	for _, r := range cand.Reasons {
		switch r {
		case family.ReasonSameSurname, family.ReasonUnknownSurname:
			origin = r
		}
	}
	switch origin {
	case family.ReasonUnknownSurname:
		result.Decision.Status = receipt.StatusRejected
		result.Decision.Reasons = append(result.Decision.Reasons, ReasonFamilyDifferentSurname)
		result.Audit.Notes = append(result.Audit.Notes, "family_member_unknown_surname:"+cand.ValueNormalized)
	case family.ReasonSameSurname:
		if result.Decision.Status != receipt.StatusRejected {
			result.Decision.Status = receipt.StatusReviewRequired
			result.Decision.Reasons = append(result.Decision.Reasons, ReasonFamilySameSurname)
		}
		result.Audit.Notes = append(result.Audit.Notes, "family_member_same_surname:"+cand.ValueNormalized)
	}
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func() classify.Result) classify.Result {
	_, span := p.tracer.Start(ctx, fmt.Sprintf("pipeline.%s", name))
	defer span.End()
	return fn()
}
