package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Inbox.Quota.UserPerMinute != 3 || cfg.Inbox.Quota.GlobalPerDay != 1200 {
		t.Fatalf("quota defaults: %+v", cfg.Inbox.Quota)
	}
	if cfg.Templates.HouseholdMatchThreshold != 0.65 {
		t.Fatalf("match threshold = %v", cfg.Templates.HouseholdMatchThreshold)
	}
	if !cfg.Inbox.EnableTextCommands {
		t.Fatal("text commands should default on")
	}
	if !cfg.FamilyRegistry.Required {
		t.Fatal("family registry should default required")
	}
	yc := cfg.Pipeline.YearConsistency
	if !yc.Enabled || !yc.WeightByConfidence || yc.MinSamples != 5 || yc.DominantRatioThreshold != 0.65 {
		t.Fatalf("year consistency defaults: %+v", yc)
	}
	if cfg.OCR.Engine != "mock" {
		t.Fatalf("engine = %s", cfg.OCR.Engine)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
pipeline:
  target_tax_year: 2026
  review_threshold: 0.8
  reject_threshold: 0.3
  candidate_threshold: 2.0
  year_consistency:
    enabled: false
    min_samples: 8
    dominant_ratio_threshold: 0.7
    weight_by_confidence: false
inbox:
  sqlite_path: /tmp/test.db
  session_ttl_minutes: 30
  enable_text_commands: false
  quota:
    user_per_day: 5
family_registry:
  required: false
  members: ["山田太郎", "山田花子"]
ocr:
  engine: anthropic
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pipeline.TargetTaxYear != 2026 {
		t.Fatalf("target year = %d", cfg.Pipeline.TargetTaxYear)
	}
	rc := cfg.Pipeline.Resolver()
	if rc.ReviewThreshold != 0.8 || rc.RejectThreshold != 0.3 || rc.CandidateThreshold != 2.0 {
		t.Fatalf("resolver mapping: %+v", rc)
	}
	yc := cfg.Pipeline.Year()
	if yc.Enabled || yc.WeightByConfidence || yc.MinSamples != 8 || yc.DominantRatio != 0.7 {
		t.Fatalf("year mapping: %+v", yc)
	}
	if yc.TargetTaxYear != 2026 {
		t.Fatalf("year target = %d", yc.TargetTaxYear)
	}
	if cfg.Inbox.SessionTTLMinutes != 30 || cfg.Inbox.Quota.UserPerDay != 5 {
		t.Fatalf("inbox: %+v", cfg.Inbox)
	}
	if cfg.Inbox.EnableTextCommands {
		t.Fatal("explicit false ignored")
	}
	// Untouched keys keep their defaults.
	if cfg.Inbox.Quota.UserPerMinute != 3 {
		t.Fatalf("quota minute = %d", cfg.Inbox.Quota.UserPerMinute)
	}
	if len(cfg.FamilyRegistry.Members) != 2 || cfg.FamilyRegistry.Required {
		t.Fatalf("family: %+v", cfg.FamilyRegistry)
	}
	if cfg.OCR.Engine != "anthropic" {
		t.Fatalf("engine = %s", cfg.OCR.Engine)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("missing file accepted")
	}
}
