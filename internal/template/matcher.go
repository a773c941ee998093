package template

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/medstack/receiptocr/internal/receipt"
)

type MatcherConfig struct {
	MatchThreshold float64 `yaml:"match_threshold"`
	PositionDecay  float64 `yaml:"position_decay"`
	MaxPerField    int     `yaml:"max_per_field"`
}

func (c *MatcherConfig) defaults() {
	if c.MatchThreshold == 0 {
		c.MatchThreshold = DefaultMatchThreshold
	}
	if c.PositionDecay == 0 {
		c.PositionDecay = positionDecay
	}
	if c.MaxPerField == 0 {
		c.MaxPerField = 3
	}
}

type Matcher struct {
	cfg MatcherConfig
}

func NewMatcher(cfg MatcherConfig) *Matcher {
	cfg.defaults()
	return &Matcher{cfg: cfg}
}

// Match scores how well a stored template explains the observed lines:
// the fraction of anchors found at all, and how close the found anchors
// sit to their stored positions.
func (m *Matcher) Match(tpl *Template, lines []receipt.OCRLine) receipt.TemplateMatch {
	if len(tpl.Anchors) == 0 {
		return receipt.TemplateMatch{TemplateID: tpl.ID}
	}
	found := 0
	posCredit := 0.0
	for _, a := range tpl.Anchors {
		dist, hasPos, ok := findAnchor(lines, a)
		if !ok {
			continue
		}
		found++
		if !hasPos {
			posCredit += 0.5
			continue
		}
		credit := 1 - dist/m.cfg.PositionDecay
		if credit < 0 {
			credit = 0
		}
		posCredit += credit
	}
	anchorRatio := float64(found) / float64(len(tpl.Anchors))
	posRatio := 0.0
	if found > 0 {
		posRatio = posCredit / float64(found)
	}
	score := anchorWeight*anchorRatio + positionWeight*posRatio
	return receipt.TemplateMatch{
		TemplateID: tpl.ID,
		Score:      score,
		Matched:    score >= m.cfg.MatchThreshold,
	}
}

// BestMatch scores every template for the document type and returns the
// best one, nil when nothing clears the threshold. The match is returned
// either way so callers can report the best score seen.
func (m *Matcher) BestMatch(tpls []*Template, lines []receipt.OCRLine, docType receipt.DocumentType) (*Template, receipt.TemplateMatch) {
	var bestTpl *Template
	var best receipt.TemplateMatch
	for _, tpl := range tpls {
		if tpl.DocumentType != "" && docType != "" && tpl.DocumentType != docType {
			continue
		}
		match := m.Match(tpl, lines)
		if best.TemplateID == "" || match.Score > best.Score {
			best = match
			bestTpl = nil
			if match.Matched {
				bestTpl = tpl
			}
		}
	}
	return bestTpl, best
}

var (
	tplAmountRe = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d+)`)
	tplDateRe   = regexp.MustCompile(`(\d{4})[/\-.年](\d{1,2})[/\-.月](\d{1,2})日?`)
)

// Apply runs the template's field rules over the lines and emits template
// candidates. Fields with a learned target box only consider lines whose
// center falls inside it. Only values that parse for their field are kept.
func (m *Matcher) Apply(tpl *Template, lines []receipt.OCRLine) map[receipt.FieldName][]receipt.Candidate {
	out := map[receipt.FieldName][]receipt.Candidate{}
	for field, rules := range tpl.FieldRules {
		target, hasTarget := tpl.Targets[field]
		var cands []receipt.Candidate
		for _, line := range lines {
			if hasTarget && !target.Contains(line.BBox.CenterX(), line.BBox.CenterY()) {
				continue
			}
			score := CandidateBase
			reasons := []string{"template_base"}
			hit := false
			for _, rule := range rules {
				switch rule.Kind {
				case RuleTopmostText:
					score += 1 - line.BBox.CenterY()
					reasons = append(reasons, "template_topmost")
					hit = true
				case RulePreferNearAnchor:
					if m.lineNearAnchor(tpl, line, rule) {
						score += 1.2
						reasons = append(reasons, "template_near_anchor")
						hit = true
					}
				case RulePreferKeyword:
					if rule.Keyword != "" && strings.Contains(line.Text, rule.Keyword) {
						score += 1.8
						reasons = append(reasons, "template_keyword:"+rule.Keyword)
						hit = true
					}
				case RulePreferLabel:
					if rule.Label != "" && strings.Contains(line.Text, rule.Label) {
						score += 1.4
						reasons = append(reasons, "template_label:"+rule.Label)
						hit = true
					}
				}
			}
			if !hit {
				continue
			}
			value, norm, ok := parseFieldValue(field, line.Text)
			if !ok {
				continue
			}
			switch field {
			case receipt.FieldPaymentDate, receipt.FieldPaymentAmount:
				score += 0.8
				reasons = append(reasons, "template_parsed_value")
			}
			cands = append(cands, receipt.Candidate{
				Field:             field,
				ValueRaw:          value,
				ValueNormalized:   norm,
				SourceLineIndices: []int{line.LineIndex},
				BBox:              line.BBox,
				Score:             score,
				OCRConfidence:     line.Confidence,
				Reasons:           reasons,
				Source:            receipt.SourceTemplate,
			})
		}
		sortByScore(cands)
		if len(cands) > m.cfg.MaxPerField {
			cands = cands[:m.cfg.MaxPerField]
		}
		if len(cands) > 0 {
			out[field] = cands
		}
	}
	return out
}

func (m *Matcher) lineNearAnchor(tpl *Template, line receipt.OCRLine, rule FieldRule) bool {
	for _, a := range tpl.Anchors {
		if rule.Anchor != "" && a.Text != rule.Anchor {
			continue
		}
		dy := line.BBox.CenterY() - a.Position.CenterY()
		if dy < 0 {
			dy = -dy
		}
		if dy <= 0.15 {
			return true
		}
	}
	return false
}

// parseFieldValue validates a line for a field and returns (raw, normalized).
func parseFieldValue(field receipt.FieldName, text string) (string, string, bool) {
	switch field {
	case receipt.FieldPaymentAmount:
		m := tplAmountRe.FindString(text)
		if m == "" {
			return "", "", false
		}
		v, err := strconv.ParseInt(strings.ReplaceAll(m, ",", ""), 10, 64)
		if err != nil || v <= 0 {
			return "", "", false
		}
		return m, strconv.FormatInt(v, 10), true
	case receipt.FieldPaymentDate:
		g := tplDateRe.FindStringSubmatch(text)
		if g == nil {
			return "", "", false
		}
		y, _ := strconv.Atoi(g[1])
		mo, _ := strconv.Atoi(g[2])
		d, _ := strconv.Atoi(g[3])
		if mo < 1 || mo > 12 || d < 1 || d > 31 {
			return "", "", false
		}
		return g[0], normalizeYMD(y, mo, d), true
	default:
		t := strings.TrimSpace(text)
		if t == "" {
			return "", "", false
		}
		return t, t, true
	}
}

func normalizeYMD(y, mo, d int) string {
	pad := func(n, w int) string {
		s := strconv.Itoa(n)
		for len(s) < w {
			s = "0" + s
		}
		return s
	}
	return pad(y, 4) + "-" + pad(mo, 2) + "-" + pad(d, 2)
}

func sortByScore(cands []receipt.Candidate) {
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0; j-- {
			a, b := cands[j-1], cands[j]
			if a.Score > b.Score || (a.Score == b.Score && a.OCRConfidence >= b.OCRConfidence) {
				break
			}
			cands[j-1], cands[j] = b, a
		}
	}
}
