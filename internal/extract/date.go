package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/medstack/receiptocr/internal/jptext"
	"github.com/medstack/receiptocr/internal/receipt"
)

const (
	// Era offsets: Reiwa 1 = 2019, Heisei 1 = 1989.
	reiwaBase  = 2018
	heiseiBase = 1988

	// ReasonYearMissing marks a candidate whose source text had no year.
	// The conversation layer turns these into a year disambiguation step.
	ReasonYearMissing = "year_missing_hold_candidate"

	futureHorizonDays = 31
)

type DateConfig struct {
	Base                  float64 `yaml:"base"`
	PriorityLabelBonus    float64 `yaml:"priority_label_bonus"`
	NearPriorityBonus     float64 `yaml:"near_priority_bonus"`
	DepriorityPenalty     float64 `yaml:"depriority_penalty"`
	NearDepriorityPenalty float64 `yaml:"near_depriority_penalty"`
	TopRegionBonus        float64 `yaml:"top_region_bonus"`
	YearMissingPenalty    float64 `yaml:"year_missing_penalty"`
	FuturePenalty         float64 `yaml:"future_penalty"`
	NearVTol              float64 `yaml:"near_vtol"`
	NearHTol              float64 `yaml:"near_htol"`
}

func DefaultDateConfig() DateConfig {
	return DateConfig{
		Base:                  2.0,
		PriorityLabelBonus:    3.0,
		NearPriorityBonus:     2.2,
		DepriorityPenalty:     0.7,
		NearDepriorityPenalty: 0.5,
		TopRegionBonus:        0.8,
		YearMissingPenalty:    2.0,
		FuturePenalty:         2.0,
		NearVTol:              0.04,
		NearHTol:              0.7,
	}
}

func (c *DateConfig) defaults() {
	d := DefaultDateConfig()
	if c.Base == 0 {
		c.Base = d.Base
	}
	if c.PriorityLabelBonus == 0 {
		c.PriorityLabelBonus = d.PriorityLabelBonus
	}
	if c.NearPriorityBonus == 0 {
		c.NearPriorityBonus = d.NearPriorityBonus
	}
	if c.DepriorityPenalty == 0 {
		c.DepriorityPenalty = d.DepriorityPenalty
	}
	if c.NearDepriorityPenalty == 0 {
		c.NearDepriorityPenalty = d.NearDepriorityPenalty
	}
	if c.TopRegionBonus == 0 {
		c.TopRegionBonus = d.TopRegionBonus
	}
	if c.YearMissingPenalty == 0 {
		c.YearMissingPenalty = d.YearMissingPenalty
	}
	if c.FuturePenalty == 0 {
		c.FuturePenalty = d.FuturePenalty
	}
	if c.NearVTol == 0 {
		c.NearVTol = d.NearVTol
	}
	if c.NearHTol == 0 {
		c.NearHTol = d.NearHTol
	}
}

var (
	gregorianRe = regexp.MustCompile(`(\d{4})[/\-.年](\d{1,2})[/\-.月](\d{1,2})日?`)
	eraTextRe   = regexp.MustCompile(`(令和|平成)\s*(元|[0-9〇零一二三四五六七八九十]{1,3})年\s*([0-9〇零一二三四五六七八九十]{1,3})月\s*([0-9〇零一二三四五六七八九十]{1,3})日?`)
	eraShortRe  = regexp.MustCompile(`\b([RrHh])\s*(\d{1,2})[-./年](\d{1,2})[-./月](\d{1,2})日?`)
	shortYmdRe  = regexp.MustCompile(`\b(\d{1,2})[/.](\d{1,2})[/.](\d{1,2})\b`)
	monthDayRe  = regexp.MustCompile(`(\d{1,2})月(\d{1,2})日`)

	datePriorityLabels   = []string{"領収日", "発行日", "調剤日", "お会計日"}
	dateDepriorityLabels = []string{"処方箋交付日", "受診日"}
)

type DateExtractor struct {
	cfg DateConfig
	now func() time.Time
}

func NewDateExtractor(cfg DateConfig) *DateExtractor {
	cfg.defaults()
	return &DateExtractor{cfg: cfg, now: time.Now}
}

// WithClock fixes the extractor's notion of today; tests use this.
func (e *DateExtractor) WithClock(now func() time.Time) *DateExtractor {
	e.now = now
	return e
}

type dateMatch struct {
	raw         string
	year        int
	month       int
	day         int
	yearMissing bool
}

func (e *DateExtractor) Extract(lines []receipt.OCRLine) []receipt.Candidate {
	var out []receipt.Candidate
	for _, line := range lines {
		for _, m := range e.matchLine(line.Text) {
			if c, ok := e.score(lines, line, m); ok {
				out = append(out, c)
			}
		}
	}
	sortCandidates(out)
	return out
}

func (e *DateExtractor) matchLine(text string) []dateMatch {
	var out []dateMatch
	covered := map[string]bool{}
	add := func(m dateMatch) {
		key := fmt.Sprintf("%s|%d-%d-%d|%v", m.raw, m.year, m.month, m.day, m.yearMissing)
		if !covered[key] {
			covered[key] = true
			out = append(out, m)
		}
	}

	for _, g := range gregorianRe.FindAllStringSubmatch(text, -1) {
		y, _ := strconv.Atoi(g[1])
		mo, _ := strconv.Atoi(g[2])
		d, _ := strconv.Atoi(g[3])
		add(dateMatch{raw: g[0], year: y, month: mo, day: d})
	}
	for _, g := range eraTextRe.FindAllStringSubmatch(text, -1) {
		y, ok1 := parseEraNumber(g[2])
		mo, ok2 := parseEraNumber(g[3])
		d, ok3 := parseEraNumber(g[4])
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		base := reiwaBase
		if g[1] == "平成" {
			base = heiseiBase
		}
		add(dateMatch{raw: g[0], year: base + y, month: mo, day: d})
	}
	for _, g := range eraShortRe.FindAllStringSubmatch(text, -1) {
		y, _ := strconv.Atoi(g[2])
		mo, _ := strconv.Atoi(g[3])
		d, _ := strconv.Atoi(g[4])
		base := reiwaBase
		if g[1] == "H" || g[1] == "h" {
			base = heiseiBase
		}
		add(dateMatch{raw: g[0], year: base + y, month: mo, day: d})
	}
	// Era-less short form: try both recent eras, prefer the nearest
	// non-future resolution.
	gregorianSpans := gregorianRe.FindAllStringIndex(text, -1)
	for _, span := range shortYmdRe.FindAllStringSubmatchIndex(text, -1) {
		if insideAny(span[0], gregorianSpans) {
			continue
		}
		g := shortYmdRe.FindStringSubmatch(text[span[0]:span[1]])
		y, _ := strconv.Atoi(g[1])
		mo, _ := strconv.Atoi(g[2])
		d, _ := strconv.Atoi(g[3])
		if y > 99 {
			continue
		}
		if year, ok := e.resolveEralessYear(y, mo, d); ok {
			add(dateMatch{raw: g[0], year: year, month: mo, day: d})
		}
	}
	if len(out) == 0 {
		for _, g := range monthDayRe.FindAllStringSubmatch(text, -1) {
			mo, _ := strconv.Atoi(g[1])
			d, _ := strconv.Atoi(g[2])
			add(dateMatch{raw: g[0], month: mo, day: d, yearMissing: true})
		}
	}
	return out
}

func insideAny(pos int, spans [][]int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

func parseEraNumber(s string) (int, bool) {
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	return jptext.KanjiNumber(s)
}

// resolveEralessYear interprets a bare two-digit year as Reiwa or Heisei,
// preferring the nearest date within the future horizon. When every
// reading sits beyond the horizon the nearest valid one is still
// returned; the future penalty handles it downstream.
func (e *DateExtractor) resolveEralessYear(y, mo, d int) (int, bool) {
	horizon := e.now().AddDate(0, 0, futureHorizonDays)
	var best, fallback int
	var bestDiff, fallbackDiff time.Duration
	found, haveFallback := false, false
	for _, base := range []int{reiwaBase, heiseiBase} {
		year := base + y
		t, ok := validDate(year, mo, d)
		if !ok {
			continue
		}
		diff := e.now().Sub(t)
		if diff < 0 {
			diff = -diff
		}
		if !haveFallback || diff < fallbackDiff {
			haveFallback, fallback, fallbackDiff = true, year, diff
		}
		if t.After(horizon) {
			continue
		}
		if !found || diff < bestDiff {
			found, best, bestDiff = true, year, diff
		}
	}
	if found {
		return best, true
	}
	return fallback, haveFallback
}

func validDate(y, mo, d int) (time.Time, bool) {
	if mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
	if t.Year() != y || int(t.Month()) != mo || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func (e *DateExtractor) score(lines []receipt.OCRLine, line receipt.OCRLine, m dateMatch) (receipt.Candidate, bool) {
	var normalized string
	if !m.yearMissing {
		if _, ok := validDate(m.year, m.month, m.day); !ok {
			return receipt.Candidate{}, false
		}
		normalized = fmt.Sprintf("%04d-%02d-%02d", m.year, m.month, m.day)
	} else {
		if m.month < 1 || m.month > 12 || m.day < 1 || m.day > 31 {
			return receipt.Candidate{}, false
		}
		normalized = fmt.Sprintf("--%02d-%02d", m.month, m.day)
	}

	score := e.cfg.Base
	reasons := []string{"date_base"}
	indices := []int{line.LineIndex}
	box := line.BBox

	if kw, ok := containsAny(line.Text, datePriorityLabels); ok {
		score += e.cfg.PriorityLabelBonus
		reasons = append(reasons, "priority_label:"+kw)
	} else if near, ok := nearbyLine(lines, line.LineIndex, line.BBox, e.cfg.NearVTol, e.cfg.NearHTol, func(l receipt.OCRLine) bool {
		_, hit := containsAny(l.Text, datePriorityLabels)
		return hit
	}); ok {
		score += e.cfg.NearPriorityBonus
		reasons = append(reasons, "near_priority_label")
		indices = mergeIndices(indices, []int{near.LineIndex})
		box = box.Union(near.BBox)
	}

	if kw, ok := containsAny(line.Text, dateDepriorityLabels); ok {
		score -= e.cfg.DepriorityPenalty
		reasons = append(reasons, "depriority_label:"+kw)
	} else if _, ok := nearbyLine(lines, line.LineIndex, line.BBox, e.cfg.NearVTol, e.cfg.NearHTol, func(l receipt.OCRLine) bool {
		_, hit := containsAny(l.Text, dateDepriorityLabels)
		return hit
	}); ok {
		score -= e.cfg.NearDepriorityPenalty
		reasons = append(reasons, "near_depriority_label")
	}

	if line.BBox.CenterY() <= 0.6 {
		score += e.cfg.TopRegionBonus
		reasons = append(reasons, "top_region")
	}
	if m.yearMissing {
		score -= e.cfg.YearMissingPenalty
		reasons = append(reasons, ReasonYearMissing)
	} else if t, _ := validDate(m.year, m.month, m.day); t.After(e.now().AddDate(0, 0, 7)) {
		score -= e.cfg.FuturePenalty
		reasons = append(reasons, "future_date")
	}

	return receipt.Candidate{
		Field:             receipt.FieldPaymentDate,
		ValueRaw:          m.raw,
		ValueNormalized:   normalized,
		SourceLineIndices: indices,
		BBox:              box,
		Score:             score,
		OCRConfidence:     line.Confidence,
		Reasons:           reasons,
		Source:            receipt.SourceGeneric,
	}, true
}

var compactYmdRe = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`)

// ParseUserDate normalizes a hand-typed date. It accepts everything the
// extractor recognizes plus the compact 8-digit form, after width
// folding. Month/day-only input comes back as "--MM-DD" with yearMissing
// set.
func ParseUserDate(text string, now time.Time) (normalized string, yearMissing bool, ok bool) {
	folded := jptext.Compact(jptext.FoldWidth(text))
	if g := compactYmdRe.FindStringSubmatch(folded); g != nil {
		y, _ := strconv.Atoi(g[1])
		mo, _ := strconv.Atoi(g[2])
		d, _ := strconv.Atoi(g[3])
		if _, valid := validDate(y, mo, d); valid {
			return fmt.Sprintf("%04d-%02d-%02d", y, mo, d), false, true
		}
		return "", false, false
	}
	e := NewDateExtractor(DateConfig{}).WithClock(func() time.Time { return now })
	matches := e.matchLine(folded)
	if len(matches) == 0 {
		return "", false, false
	}
	m := matches[0]
	if m.yearMissing {
		if m.month < 1 || m.month > 12 || m.day < 1 || m.day > 31 {
			return "", false, false
		}
		return fmt.Sprintf("--%02d-%02d", m.month, m.day), true, true
	}
	if _, valid := validDate(m.year, m.month, m.day); !valid {
		return "", false, false
	}
	return fmt.Sprintf("%04d-%02d-%02d", m.year, m.month, m.day), false, true
}

// YearIsMissing reports whether a date candidate lacks a year component.
func YearIsMissing(c receipt.Candidate) bool {
	for _, r := range c.Reasons {
		if r == ReasonYearMissing {
			return true
		}
	}
	return len(c.ValueNormalized) > 1 && c.ValueNormalized[0] == '-'
}
