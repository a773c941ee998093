// Package receipt holds the core domain types shared by the extraction
// pipeline, the inbox conversation layer, and the persistence layer.
package receipt

const PipelineVersion = "0.1.0"

type DocumentType string

const (
	DocPharmacy DocumentType = "pharmacy"
	DocClinic   DocumentType = "clinic_or_hospital"
	DocUnknown  DocumentType = "unknown"
)

type FieldName string

const (
	FieldPayerFacility       FieldName = "payer_facility_name"
	FieldPrescribingFacility FieldName = "prescribing_facility_name"
	FieldPaymentDate         FieldName = "payment_date"
	FieldPaymentAmount       FieldName = "payment_amount"
	FieldFamilyMember        FieldName = "family_member_name"
)

// RequiredFields must all resolve before an extraction can auto-accept.
var RequiredFields = []FieldName{FieldPayerFacility, FieldPaymentDate, FieldPaymentAmount}

func IsRequired(f FieldName) bool {
	for _, r := range RequiredFields {
		if r == f {
			return true
		}
	}
	return false
}

type DecisionStatus string

const (
	StatusAutoAccept     DecisionStatus = "AUTO_ACCEPT"
	StatusReviewRequired DecisionStatus = "REVIEW_REQUIRED"
	StatusRejected       DecisionStatus = "REJECTED"
)

// Candidate sources, in ascending order of specificity.
const (
	SourceGeneric        = "generic"
	SourceTemplate       = "template"
	SourceFamilyRegistry = "family_registry"
	SourceUserCorrection = "user_correction"
)

// BBox is (xmin, ytop, xmax, ybottom) normalized to the unit page.
type BBox [4]float64

func (b BBox) CenterY() float64 { return (b[1] + b[3]) / 2 }
func (b BBox) CenterX() float64 { return (b[0] + b[2]) / 2 }
func (b BBox) Height() float64  { return b[3] - b[1] }

// Contains reports whether the point (x, y) falls inside the box.
func (b BBox) Contains(x, y float64) bool {
	return x >= b[0] && x <= b[2] && y >= b[1] && y <= b[3]
}

// Union returns the smallest box covering both b and o.
func (b BBox) Union(o BBox) BBox {
	out := b
	if o[0] < out[0] {
		out[0] = o[0]
	}
	if o[1] < out[1] {
		out[1] = o[1]
	}
	if o[2] > out[2] {
		out[2] = o[2]
	}
	if o[3] > out[3] {
		out[3] = o[3]
	}
	return out
}

// OCRLine is one recognized text line after normalization.
type OCRLine struct {
	Text       string  `json:"text"`
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	LineIndex  int     `json:"line_index"`
	Page       int     `json:"page"`
}

// Candidate is a scored hypothesis for one field value.
type Candidate struct {
	Field             FieldName `json:"field"`
	ValueRaw          string    `json:"value_raw"`
	ValueNormalized   string    `json:"value_normalized"`
	SourceLineIndices []int     `json:"source_line_indices"`
	BBox              BBox      `json:"bbox"`
	Score             float64   `json:"score"`
	OCRConfidence     float64   `json:"ocr_confidence"`
	Reasons           []string  `json:"reasons"`
	Source            string    `json:"source"`
}

type TemplateMatch struct {
	TemplateID string  `json:"template_id"`
	Score      float64 `json:"score"`
	Matched    bool    `json:"matched"`
}

type Decision struct {
	Status            DecisionStatus        `json:"status"`
	OverallConfidence float64               `json:"overall_confidence"`
	FieldConfidences  map[FieldName]float64 `json:"field_confidences"`
	Reasons           []string              `json:"reasons"`
	MissingRequired   []FieldName           `json:"missing_required"`
}

type AuditInfo struct {
	Engine            string   `json:"engine"`
	EngineVersion     string   `json:"engine_version"`
	PipelineVersion   string   `json:"pipeline_version"`
	ClassifierReasons []string `json:"classifier_reasons"`
	Notes             []string `json:"notes"`
}

// ExtractionResult is the full output of one pipeline run for one document.
type ExtractionResult struct {
	DocumentID    string                    `json:"document_id"`
	HouseholdID   string                    `json:"household_id"`
	DocumentType  DocumentType              `json:"document_type"`
	Template      *TemplateMatch            `json:"template_match,omitempty"`
	Fields        map[FieldName]Candidate   `json:"fields"`
	Decision      Decision                  `json:"decision"`
	Audit         AuditInfo                 `json:"audit"`
	CandidatePool map[FieldName][]Candidate `json:"candidate_pool"`
	OCRLines      []OCRLine                 `json:"ocr_lines,omitempty"`
}

// DuplicateKey identifies a probably-identical registration.
// Empty components stay empty so partial extractions still compare.
func (r *ExtractionResult) DuplicateKey() string {
	get := func(f FieldName) string {
		if c, ok := r.Fields[f]; ok {
			return c.ValueNormalized
		}
		return ""
	}
	return get(FieldPaymentDate) + "|" + get(FieldPayerFacility) + "|" +
		get(FieldFamilyMember) + "|" + get(FieldPaymentAmount)
}
