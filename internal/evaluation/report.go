package evaluation

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/medstack/receiptocr/internal/receipt"
)

// RenderMarkdown formats the metrics as a GFM report.
func RenderMarkdown(m Metrics, generatedAt time.Time) string {
	var sb strings.Builder
	sb.WriteString("# Receipt Extraction Evaluation\n\n")
	fmt.Fprintf(&sb, "Generated: %s\n\n", generatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Documents evaluated: %d\n\n", m.Documents)

	sb.WriteString("## Field accuracy\n\n")
	sb.WriteString("| Field | Correct | Wrong | Missing | Spurious | Accuracy |\n")
	sb.WriteString("|---|---:|---:|---:|---:|---:|\n")
	for _, field := range sortedFields(m.Fields) {
		fm := m.Fields[field]
		fmt.Fprintf(&sb, "| %s | %d | %d | %d | %d | %.1f%% |\n",
			field, fm.Correct, fm.Wrong, fm.Missing, fm.Spurious, fm.Accuracy()*100)
	}
	sb.WriteString("\n")

	if len(m.Decisions) > 0 {
		sb.WriteString("## Decision confusion\n\n")
		sb.WriteString("| Predicted \\ Labeled | AUTO_ACCEPT | REVIEW_REQUIRED | REJECTED |\n")
		sb.WriteString("|---|---:|---:|---:|\n")
		statuses := []receipt.DecisionStatus{receipt.StatusAutoAccept, receipt.StatusReviewRequired, receipt.StatusRejected}
		for _, pred := range statuses {
			row := m.Decisions[pred]
			fmt.Fprintf(&sb, "| %s | %d | %d | %d |\n",
				pred, row[receipt.StatusAutoAccept], row[receipt.StatusReviewRequired], row[receipt.StatusRejected])
		}
		sb.WriteString("\n")
	}

	if len(m.DocTypes) > 0 {
		sb.WriteString("## Document type confusion\n\n")
		sb.WriteString("| Predicted \\ Labeled | pharmacy | clinic_or_hospital | unknown |\n")
		sb.WriteString("|---|---:|---:|---:|\n")
		types := []receipt.DocumentType{receipt.DocPharmacy, receipt.DocClinic, receipt.DocUnknown}
		for _, pred := range types {
			row := m.DocTypes[pred]
			fmt.Fprintf(&sb, "| %s | %d | %d | %d |\n",
				pred, row[receipt.DocPharmacy], row[receipt.DocClinic], row[receipt.DocUnknown])
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func sortedFields(fields map[receipt.FieldName]FieldMetrics) []receipt.FieldName {
	out := make([]receipt.FieldName, 0, len(fields))
	for f := range fields {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
