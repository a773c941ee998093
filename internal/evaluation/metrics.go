// Package evaluation scores pipeline output against a labeled set and
// renders the results as markdown and PDF reports.
package evaluation

import (
	"github.com/medstack/receiptocr/internal/receipt"
)

// Label is the ground truth for one document.
type Label struct {
	DocumentID string                       `json:"document_id"`
	Fields     map[receipt.FieldName]string `json:"fields"`
	Status     receipt.DecisionStatus       `json:"status,omitempty"`
	DocType    receipt.DocumentType         `json:"document_type,omitempty"`
}

// FieldMetrics counts per-field outcomes.
type FieldMetrics struct {
	Correct  int `json:"correct"`
	Wrong    int `json:"wrong"`
	Missing  int `json:"missing"`
	Spurious int `json:"spurious"`
}

func (m FieldMetrics) Total() int { return m.Correct + m.Wrong + m.Missing }

// Accuracy is correct over all labeled occurrences.
func (m FieldMetrics) Accuracy() float64 {
	if m.Total() == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Total())
}

// Metrics aggregates an evaluation run.
type Metrics struct {
	Documents int                                `json:"documents"`
	Fields    map[receipt.FieldName]FieldMetrics `json:"fields"`
	// Decisions counts predicted-by-labeled status pairs.
	Decisions map[receipt.DecisionStatus]map[receipt.DecisionStatus]int `json:"decisions"`
	DocTypes  map[receipt.DocumentType]map[receipt.DocumentType]int     `json:"doc_types"`
}

// Evaluate compares results with labels by document id. Results without
// a label are skipped.
func Evaluate(results []*receipt.ExtractionResult, labels []Label) Metrics {
	byID := make(map[string]Label, len(labels))
	for _, l := range labels {
		byID[l.DocumentID] = l
	}
	m := Metrics{
		Fields:    map[receipt.FieldName]FieldMetrics{},
		Decisions: map[receipt.DecisionStatus]map[receipt.DecisionStatus]int{},
		DocTypes:  map[receipt.DocumentType]map[receipt.DocumentType]int{},
	}
	for _, res := range results {
		label, ok := byID[res.DocumentID]
		if !ok {
			continue
		}
		m.Documents++

		for field, want := range label.Fields {
			fm := m.Fields[field]
			got, extracted := res.Fields[field]
			switch {
			case !extracted || got.ValueNormalized == "":
				fm.Missing++
			case got.ValueNormalized == want:
				fm.Correct++
			default:
				fm.Wrong++
			}
			m.Fields[field] = fm
		}
		for field, got := range res.Fields {
			if _, labeled := label.Fields[field]; !labeled && got.ValueNormalized != "" {
				fm := m.Fields[field]
				fm.Spurious++
				m.Fields[field] = fm
			}
		}

		if label.Status != "" {
			row := m.Decisions[res.Decision.Status]
			if row == nil {
				row = map[receipt.DecisionStatus]int{}
				m.Decisions[res.Decision.Status] = row
			}
			row[label.Status]++
		}
		if label.DocType != "" {
			row := m.DocTypes[res.DocumentType]
			if row == nil {
				row = map[receipt.DocumentType]int{}
				m.DocTypes[res.DocumentType] = row
			}
			row[label.DocType]++
		}
	}
	return m
}
