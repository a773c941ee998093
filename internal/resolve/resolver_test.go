package resolve

import (
	"fmt"
	"strings"
	"testing"

	"github.com/medstack/receiptocr/internal/receipt"
)

func cand(field receipt.FieldName, norm string, score, conf float64) receipt.Candidate {
	return receipt.Candidate{Field: field, ValueNormalized: norm, Score: score, OCRConfidence: conf, Source: receipt.SourceGeneric}
}

func fullFields(score, conf float64) map[receipt.FieldName]receipt.Candidate {
	return map[receipt.FieldName]receipt.Candidate{
		receipt.FieldPayerFacility: cand(receipt.FieldPayerFacility, "すこやか薬局", score, conf),
		receipt.FieldPaymentDate:   cand(receipt.FieldPaymentDate, "2026-02-17", score, conf),
		receipt.FieldPaymentAmount: cand(receipt.FieldPaymentAmount, "1240", score, conf),
	}
}

func poolOf(fields map[receipt.FieldName]receipt.Candidate) map[receipt.FieldName][]receipt.Candidate {
	pool := map[receipt.FieldName][]receipt.Candidate{}
	for f, c := range fields {
		pool[f] = []receipt.Candidate{c}
	}
	return pool
}

func TestSelectFieldsThreshold(t *testing.T) {
	r := New(Config{})
	pool := map[receipt.FieldName][]receipt.Candidate{
		receipt.FieldPaymentAmount: {
			cand(receipt.FieldPaymentAmount, "9999", 2.4, 0.9),
		},
	}
	if got := r.SelectFields(pool); len(got) != 0 {
		t.Fatalf("sub-threshold candidate selected: %+v", got)
	}

	tpl := cand(receipt.FieldPaymentAmount, "1240", 2.0, 0.9)
	tpl.Source = receipt.SourceTemplate
	pool[receipt.FieldPaymentAmount] = []receipt.Candidate{tpl}
	got := r.SelectFields(pool)
	if got[receipt.FieldPaymentAmount].ValueNormalized != "1240" {
		t.Fatalf("template relief not applied: %+v", got)
	}
}

// The threshold gates the winner, not the pool: a sub-threshold generic
// winner is not displaced by a weaker template candidate that would have
// cleared its own relieved bar.
func TestSelectFieldsThresholdAppliesToWinnerOnly(t *testing.T) {
	r := New(Config{})
	tpl := cand(receipt.FieldPaymentAmount, "1240", 2.0, 0.9)
	tpl.Source = receipt.SourceTemplate
	pool := map[receipt.FieldName][]receipt.Candidate{
		receipt.FieldPaymentAmount: {
			cand(receipt.FieldPaymentAmount, "9999", 2.4, 0.9),
			tpl,
		},
	}
	if got := r.SelectFields(pool); len(got) != 0 {
		t.Fatalf("field selected despite sub-threshold winner: %+v", got)
	}
}

func TestSelectFieldsMaxByScoreThenConfidence(t *testing.T) {
	r := New(Config{})
	pool := map[receipt.FieldName][]receipt.Candidate{
		receipt.FieldPaymentAmount: {
			cand(receipt.FieldPaymentAmount, "a", 5.0, 0.7),
			cand(receipt.FieldPaymentAmount, "b", 5.0, 0.9),
			cand(receipt.FieldPaymentAmount, "c", 4.0, 0.99),
		},
	}
	got := r.SelectFields(pool)
	if got[receipt.FieldPaymentAmount].ValueNormalized != "b" {
		t.Fatalf("selected %q, want b", got[receipt.FieldPaymentAmount].ValueNormalized)
	}
}

func TestFieldConfidenceFusion(t *testing.T) {
	c := cand(receipt.FieldPaymentAmount, "1240", 8.0, 0.9)
	want := 0.55*0.9 + 0.45*0.8
	if got := FieldConfidence(c); got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("FieldConfidence = %v, want %v", got, want)
	}
	// Score part saturates at 1.
	c.Score = 25
	want = 0.55*0.9 + 0.45
	if got := FieldConfidence(c); got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("saturated FieldConfidence = %v, want %v", got, want)
	}
}

func TestResolveStatuses(t *testing.T) {
	r := New(Config{})

	d := r.Resolve(nil, nil, 0.9, nil)
	if d.Status != receipt.StatusRejected || d.Reasons[0] != "no_viable_candidates" {
		t.Fatalf("empty pool: %+v", d)
	}

	d = r.Resolve(fullFields(8, 0.9), poolOf(fullFields(8, 0.9)), 0.2, nil)
	if d.Status != receipt.StatusRejected || d.Reasons[0] != "low_ocr_quality" {
		t.Fatalf("low quality: %+v", d)
	}

	d = r.Resolve(fullFields(8, 0.95), poolOf(fullFields(8, 0.95)), 0.95, nil)
	if d.Status != receipt.StatusAutoAccept {
		t.Fatalf("strong extraction: %+v", d)
	}
	if d.Reasons[0] != "all_required_fields_present" {
		t.Fatalf("reasons: %v", d.Reasons)
	}

	fields := fullFields(8, 0.95)
	delete(fields, receipt.FieldPaymentDate)
	d = r.Resolve(fields, poolOf(fields), 0.95, nil)
	if d.Status != receipt.StatusReviewRequired {
		t.Fatalf("missing field: %+v", d)
	}
	if !strings.HasPrefix(d.Reasons[0], "missing_required_fields:") ||
		!strings.Contains(d.Reasons[0], "payment_date") {
		t.Fatalf("reasons: %v", d.Reasons)
	}

	d = r.Resolve(fullFields(3, 0.6), poolOf(fullFields(3, 0.6)), 0.6, nil)
	if d.Status != receipt.StatusReviewRequired || d.Reasons[0] != "overall_confidence_below_review_threshold" {
		t.Fatalf("weak extraction: %+v", d)
	}
}

// A populated pool whose candidates all fail selection is not the
// no-candidate rejection; the reject comes from the confidence math.
func TestResolveEmptySelectionKeepsPoolReason(t *testing.T) {
	r := New(Config{})
	pool := map[receipt.FieldName][]receipt.Candidate{
		receipt.FieldPaymentAmount: {cand(receipt.FieldPaymentAmount, "9999", 1.0, 0.9)},
	}
	fields := r.SelectFields(pool)
	if len(fields) != 0 {
		t.Fatalf("weak candidate selected: %+v", fields)
	}
	d := r.Resolve(fields, pool, 0.9, nil)
	for _, reason := range d.Reasons {
		if reason == "no_viable_candidates" {
			t.Fatalf("pool had candidates: %v", d.Reasons)
		}
	}
	if d.Status != receipt.StatusRejected || d.Reasons[0] != "overall_confidence_below_reject_threshold" {
		t.Fatalf("decision: %+v", d)
	}
}

// Base confidence averages every selected field, so a weak optional field
// drags an otherwise perfect extraction down to review.
func TestResolveBaseAveragesAllSelectedFields(t *testing.T) {
	r := New(Config{})
	fields := fullFields(25, 1.0)
	fields[receipt.FieldFamilyMember] = cand(receipt.FieldFamilyMember, "山田 太郎", 0, 0)
	d := r.Resolve(fields, poolOf(fields), 0.30, nil)
	want := 0.80*0.75 + 0.20*0.30
	if d.OverallConfidence < want-1e-9 || d.OverallConfidence > want+1e-9 {
		t.Fatalf("overall = %v, want %v", d.OverallConfidence, want)
	}
	if d.Status != receipt.StatusReviewRequired {
		t.Fatalf("status = %s", d.Status)
	}
	if len(d.FieldConfidences) != 4 {
		t.Fatalf("field confidences: %+v", d.FieldConfidences)
	}
}

// Raising any field confidence can only move the decision toward accept.
func TestResolveMonotonicity(t *testing.T) {
	r := New(Config{})
	rank := func(s receipt.DecisionStatus) int {
		switch s {
		case receipt.StatusRejected:
			return 0
		case receipt.StatusReviewRequired:
			return 1
		default:
			return 2
		}
	}
	prev := -1
	prevConf := -1.0
	for _, score := range []float64{1.0, 3.0, 5.0, 7.0, 9.0} {
		d := r.Resolve(fullFields(score, 0.9), poolOf(fullFields(score, 0.9)), 0.9, nil)
		if rank(d.Status) < prev {
			t.Fatalf("status went backwards at score %v: %+v", score, d)
		}
		if score >= 3.0 && d.OverallConfidence <= prevConf {
			t.Fatalf("confidence not increasing at score %v", score)
		}
		prev = rank(d.Status)
		prevConf = d.OverallConfidence
	}
}

func TestResolveTemplateBlend(t *testing.T) {
	r := New(Config{})
	fields := fullFields(8, 0.95)
	// 0.8 is the strong-match boundary.
	tpl := &receipt.TemplateMatch{TemplateID: "t", Score: 0.8, Matched: true}
	d := r.Resolve(fields, poolOf(fields), 0.9, tpl)
	hasStrong := false
	for _, reason := range d.Reasons {
		if reason == "template_match_strong" {
			hasStrong = true
		}
	}
	if !hasStrong {
		t.Fatalf("template reason missing: %v", d.Reasons)
	}

	tpl.Score = 0.7
	d = r.Resolve(fields, poolOf(fields), 0.9, tpl)
	for _, reason := range d.Reasons {
		if reason == "template_match_strong" {
			t.Fatalf("weak match reported strong: %v", d.Reasons)
		}
	}
}

func resultWithYear(status receipt.DecisionStatus, year int) *receipt.ExtractionResult {
	return resultWithYearConf(status, year, 0)
}

func resultWithYearConf(status receipt.DecisionStatus, year int, conf float64) *receipt.ExtractionResult {
	return &receipt.ExtractionResult{
		Fields: map[receipt.FieldName]receipt.Candidate{
			receipt.FieldPaymentDate: {ValueNormalized: fmt.Sprintf("%04d-02-10", year), OCRConfidence: conf},
		},
		Decision: receipt.Decision{Status: status},
	}
}

func TestYearTargetMismatch(t *testing.T) {
	y := NewYearReconciler(YearConfig{TargetTaxYear: 2026})
	r := resultWithYear(receipt.StatusAutoAccept, 2025)
	y.CheckTarget(r)
	if r.Decision.Status != receipt.StatusReviewRequired {
		t.Fatalf("status = %s", r.Decision.Status)
	}
	want := "year_mismatch_target_tax_year:target=2026:doc=2025"
	if r.Decision.Reasons[len(r.Decision.Reasons)-1] != want {
		t.Fatalf("reasons: %v", r.Decision.Reasons)
	}

	rejected := resultWithYear(receipt.StatusRejected, 2025)
	y.CheckTarget(rejected)
	if rejected.Decision.Status != receipt.StatusRejected {
		t.Fatal("rejected document was upgraded")
	}
}

func TestYearBatchOutlier(t *testing.T) {
	y := NewYearReconciler(YearConfig{Enabled: true})
	batch := []*receipt.ExtractionResult{
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2025),
	}
	y.CheckBatch(batch)
	outlier := batch[4]
	if outlier.Decision.Status != receipt.StatusReviewRequired {
		t.Fatalf("outlier not demoted: %+v", outlier.Decision)
	}
	want := "year_outlier_against_batch:dominant=2026:doc=2025:ratio=0.800"
	if got := outlier.Decision.Reasons[len(outlier.Decision.Reasons)-1]; got != want {
		t.Fatalf("reason = %q, want %q", got, want)
	}
	for _, r := range batch[:4] {
		if r.Decision.Status != receipt.StatusAutoAccept {
			t.Fatal("dominant-year document demoted")
		}
	}
}

func TestYearBatchTooSmall(t *testing.T) {
	y := NewYearReconciler(YearConfig{Enabled: true})
	batch := []*receipt.ExtractionResult{
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2025),
	}
	y.CheckBatch(batch)
	for _, r := range batch {
		if r.Decision.Status != receipt.StatusAutoAccept {
			t.Fatal("batch below min samples should be untouched")
		}
	}
}

// Confidence weighting can push a split past the dominance threshold that
// raw counts alone would miss.
func TestYearBatchWeightsByConfidence(t *testing.T) {
	batch := []*receipt.ExtractionResult{
		resultWithYearConf(receipt.StatusAutoAccept, 2026, 0.9),
		resultWithYearConf(receipt.StatusAutoAccept, 2026, 0.9),
		resultWithYearConf(receipt.StatusAutoAccept, 2026, 0.9),
		resultWithYearConf(receipt.StatusAutoAccept, 2025, 0.2),
		resultWithYearConf(receipt.StatusAutoAccept, 2025, 0.2),
	}
	y := NewYearReconciler(YearConfig{Enabled: true, WeightByConfidence: true})
	y.CheckBatch(batch)
	// 2.7 vs 0.4 by weight (ratio 0.87); by count the split is 3:2 (0.6).
	for _, r := range batch[3:] {
		if r.Decision.Status != receipt.StatusReviewRequired {
			t.Fatalf("low-confidence outlier not demoted: %+v", r.Decision)
		}
	}

	unweighted := []*receipt.ExtractionResult{
		resultWithYearConf(receipt.StatusAutoAccept, 2026, 0.9),
		resultWithYearConf(receipt.StatusAutoAccept, 2026, 0.9),
		resultWithYearConf(receipt.StatusAutoAccept, 2026, 0.9),
		resultWithYearConf(receipt.StatusAutoAccept, 2025, 0.2),
		resultWithYearConf(receipt.StatusAutoAccept, 2025, 0.2),
	}
	y = NewYearReconciler(YearConfig{Enabled: true})
	y.CheckBatch(unweighted)
	for _, r := range unweighted {
		if r.Decision.Status != receipt.StatusAutoAccept {
			t.Fatalf("60%% dominance demoted without weighting: %+v", r.Decision)
		}
	}
}

// Outlier demotion covers review documents too; only rejected ones are
// left alone. Batch mode stands down entirely when a target tax year is
// configured or the check is disabled.
func TestYearBatchDemotionScopeAndGating(t *testing.T) {
	batch := []*receipt.ExtractionResult{
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusReviewRequired, 2025),
		resultWithYear(receipt.StatusRejected, 2025),
	}
	y := NewYearReconciler(YearConfig{Enabled: true})
	y.CheckBatch(batch)
	review := batch[4]
	if review.Decision.Status != receipt.StatusReviewRequired || len(review.Decision.Reasons) == 0 {
		t.Fatalf("review outlier not flagged: %+v", review.Decision)
	}
	if batch[5].Decision.Status != receipt.StatusRejected {
		t.Fatal("rejected outlier was touched")
	}

	targeted := []*receipt.ExtractionResult{
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2025),
	}
	y = NewYearReconciler(YearConfig{Enabled: true, TargetTaxYear: 2026})
	y.CheckBatch(targeted)
	if targeted[4].Decision.Status != receipt.StatusAutoAccept {
		t.Fatal("batch mode ran despite target tax year")
	}

	disabled := []*receipt.ExtractionResult{
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2026),
		resultWithYear(receipt.StatusAutoAccept, 2025),
	}
	y = NewYearReconciler(YearConfig{})
	y.CheckBatch(disabled)
	if disabled[4].Decision.Status != receipt.StatusAutoAccept {
		t.Fatal("disabled batch check still demoted")
	}
}

func TestTruncatePool(t *testing.T) {
	pool := map[receipt.FieldName][]receipt.Candidate{}
	for i := 0; i < 8; i++ {
		pool[receipt.FieldPaymentAmount] = append(pool[receipt.FieldPaymentAmount],
			cand(receipt.FieldPaymentAmount, fmt.Sprint(i), float64(i), 0.9))
	}
	out := TruncatePool(pool, 5)
	got := out[receipt.FieldPaymentAmount]
	if len(got) != 5 {
		t.Fatalf("len = %d", len(got))
	}
	if got[0].ValueNormalized != "7" {
		t.Fatalf("top = %q, want highest score", got[0].ValueNormalized)
	}
}
