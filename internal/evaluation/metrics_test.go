package evaluation

import (
	"strings"
	"testing"
	"time"

	"github.com/medstack/receiptocr/internal/receipt"
)

func evalResult(id, amount, date string, status receipt.DecisionStatus) *receipt.ExtractionResult {
	return &receipt.ExtractionResult{
		DocumentID:   id,
		DocumentType: receipt.DocPharmacy,
		Fields: map[receipt.FieldName]receipt.Candidate{
			receipt.FieldPaymentAmount: {ValueNormalized: amount},
			receipt.FieldPaymentDate:   {ValueNormalized: date},
		},
		Decision: receipt.Decision{Status: status},
	}
}

func TestEvaluateFieldCounts(t *testing.T) {
	results := []*receipt.ExtractionResult{
		evalResult("d1", "1240", "2026-02-03", receipt.StatusAutoAccept),
		evalResult("d2", "9999", "2026-02-04", receipt.StatusAutoAccept),
		evalResult("d3", "", "2026-02-05", receipt.StatusReviewRequired),
		evalResult("unlabeled", "1", "2026-01-01", receipt.StatusAutoAccept),
	}
	labels := []Label{
		{DocumentID: "d1", Fields: map[receipt.FieldName]string{receipt.FieldPaymentAmount: "1240", receipt.FieldPaymentDate: "2026-02-03"}, Status: receipt.StatusAutoAccept},
		{DocumentID: "d2", Fields: map[receipt.FieldName]string{receipt.FieldPaymentAmount: "3000"}, Status: receipt.StatusReviewRequired},
		{DocumentID: "d3", Fields: map[receipt.FieldName]string{receipt.FieldPaymentAmount: "500"}},
	}
	m := Evaluate(results, labels)
	if m.Documents != 3 {
		t.Fatalf("documents = %d", m.Documents)
	}
	am := m.Fields[receipt.FieldPaymentAmount]
	if am.Correct != 1 || am.Wrong != 1 || am.Missing != 1 {
		t.Fatalf("amount metrics: %+v", am)
	}
	if got := am.Accuracy(); got < 0.33 || got > 0.34 {
		t.Fatalf("accuracy = %v", got)
	}
	// d2's extracted date had no label: spurious.
	if m.Fields[receipt.FieldPaymentDate].Spurious != 2 {
		t.Fatalf("date metrics: %+v", m.Fields[receipt.FieldPaymentDate])
	}
	if m.Decisions[receipt.StatusAutoAccept][receipt.StatusReviewRequired] != 1 {
		t.Fatalf("confusion: %+v", m.Decisions)
	}
}

func TestRenderMarkdown(t *testing.T) {
	m := Evaluate(
		[]*receipt.ExtractionResult{evalResult("d1", "1240", "2026-02-03", receipt.StatusAutoAccept)},
		[]Label{{DocumentID: "d1", Fields: map[receipt.FieldName]string{receipt.FieldPaymentAmount: "1240"}, Status: receipt.StatusAutoAccept}},
	)
	out := RenderMarkdown(m, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	for _, want := range []string{
		"# Receipt Extraction Evaluation",
		"Documents evaluated: 1",
		"| payment_amount | 1 | 0 | 0 |",
		"## Decision confusion",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}
