// Package config loads the service configuration from YAML with sane
// defaults. Secrets come exclusively from the environment, never from
// the file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/medstack/receiptocr/internal/classify"
	"github.com/medstack/receiptocr/internal/extract"
	"github.com/medstack/receiptocr/internal/resolve"
	"github.com/medstack/receiptocr/internal/template"
)

type Config struct {
	Pipeline       PipelineConfig  `yaml:"pipeline"`
	Templates      TemplatesConfig `yaml:"templates"`
	FamilyRegistry FamilyConfig    `yaml:"family_registry"`
	Inbox          InboxConfig     `yaml:"inbox"`
	Notifications  NotifyConfig    `yaml:"notifications"`
	OCR            OCRConfig       `yaml:"ocr"`
}

type PipelineConfig struct {
	Classifier         classify.Config       `yaml:"classifier"`
	Amount             extract.AmountConfig  `yaml:"amount"`
	Date               extract.DateConfig    `yaml:"date"`
	ReviewThreshold    float64               `yaml:"review_threshold"`
	RejectThreshold    float64               `yaml:"reject_threshold"`
	CandidateThreshold float64               `yaml:"candidate_threshold"`
	TargetTaxYear      int                   `yaml:"target_tax_year"`
	YearConsistency    YearConsistencyConfig `yaml:"year_consistency"`
}

type YearConsistencyConfig struct {
	Enabled                bool    `yaml:"enabled"`
	MinSamples             int     `yaml:"min_samples"`
	DominantRatioThreshold float64 `yaml:"dominant_ratio_threshold"`
	WeightByConfidence     bool    `yaml:"weight_by_confidence"`
}

// Resolver maps the flat pipeline thresholds onto the resolver config.
func (p PipelineConfig) Resolver() resolve.Config {
	return resolve.Config{
		ReviewThreshold:    p.ReviewThreshold,
		RejectThreshold:    p.RejectThreshold,
		CandidateThreshold: p.CandidateThreshold,
	}
}

// Year maps the tax-year settings onto the reconciler config.
func (p PipelineConfig) Year() resolve.YearConfig {
	return resolve.YearConfig{
		TargetTaxYear:      p.TargetTaxYear,
		Enabled:            p.YearConsistency.Enabled,
		MinSamples:         p.YearConsistency.MinSamples,
		DominantRatio:      p.YearConsistency.DominantRatioThreshold,
		WeightByConfidence: p.YearConsistency.WeightByConfidence,
	}
}

type TemplatesConfig struct {
	Dir                     string  `yaml:"dir"`
	HouseholdMatchThreshold float64 `yaml:"household_match_threshold"`
}

type FamilyConfig struct {
	Required       bool     `yaml:"required"`
	Members        []string `yaml:"members"`
	FuzzyThreshold float64  `yaml:"fuzzy_threshold"`
}

type InboxConfig struct {
	SQLitePath          string      `yaml:"sqlite_path"`
	ImageStoreDir       string      `yaml:"image_store_dir"`
	ImageRetentionDays  int         `yaml:"image_retention_days"`
	SessionTTLMinutes   int         `yaml:"session_ttl_minutes"`
	MaxCandidateOptions int         `yaml:"max_candidate_options"`
	EnableTextCommands  bool        `yaml:"enable_text_commands"`
	Quota               QuotaConfig `yaml:"quota"`
}

type QuotaConfig struct {
	UserPerMinute int `yaml:"user_per_minute"`
	UserPerDay    int `yaml:"user_per_day"`
	GlobalPerDay  int `yaml:"global_per_day"`
}

type NotifyConfig struct {
	SlackWebhookURL   string `yaml:"slack_webhook_url"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	LinePushUserID    string `yaml:"line_push_user_id"`
}

type OCRConfig struct {
	// Engine selects the provider: mock, documentai, or anthropic.
	Engine         string `yaml:"engine"`
	AnthropicModel string `yaml:"anthropic_model"`
	FixturePath    string `yaml:"fixture_path"`
}

// Secrets are environment-only.
type Secrets struct {
	LineChannelSecret string
	LineChannelToken  string
	AnthropicAPIKey   string
}

// Load reads the YAML file when path is non-empty, then applies defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	// Booleans that default to true are set before parsing so an absent
	// key keeps the default and an explicit false still wins.
	cfg.Inbox.EnableTextCommands = true
	cfg.Pipeline.YearConsistency.Enabled = true
	cfg.Pipeline.YearConsistency.WeightByConfidence = true
	cfg.FamilyRegistry.Required = true
	if path != "" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(blob, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.defaults()
	return cfg, nil
}

func (c *Config) defaults() {
	if c.Pipeline.YearConsistency.MinSamples == 0 {
		c.Pipeline.YearConsistency.MinSamples = 5
	}
	if c.Pipeline.YearConsistency.DominantRatioThreshold == 0 {
		c.Pipeline.YearConsistency.DominantRatioThreshold = 0.65
	}
	if c.Templates.Dir == "" {
		c.Templates.Dir = "data/templates"
	}
	if c.Templates.HouseholdMatchThreshold == 0 {
		c.Templates.HouseholdMatchThreshold = template.DefaultMatchThreshold
	}
	if c.FamilyRegistry.FuzzyThreshold == 0 {
		c.FamilyRegistry.FuzzyThreshold = 0.85
	}
	if c.Inbox.SQLitePath == "" {
		c.Inbox.SQLitePath = "data/inbox.db"
	}
	if c.Inbox.ImageRetentionDays == 0 {
		c.Inbox.ImageRetentionDays = 14
	}
	if c.Inbox.SessionTTLMinutes == 0 {
		c.Inbox.SessionTTLMinutes = 60
	}
	if c.Inbox.MaxCandidateOptions == 0 {
		c.Inbox.MaxCandidateOptions = 3
	}
	if c.Inbox.Quota.UserPerMinute == 0 {
		c.Inbox.Quota.UserPerMinute = 3
	}
	if c.Inbox.Quota.UserPerDay == 0 {
		c.Inbox.Quota.UserPerDay = 40
	}
	if c.Inbox.Quota.GlobalPerDay == 0 {
		c.Inbox.Quota.GlobalPerDay = 1200
	}
	if c.OCR.Engine == "" {
		c.OCR.Engine = "mock"
	}
	if c.OCR.AnthropicModel == "" {
		c.OCR.AnthropicModel = "claude-sonnet-4-5"
	}
}

// LoadSecrets pulls the channel and API credentials from the environment.
func LoadSecrets() Secrets {
	return Secrets{
		LineChannelSecret: os.Getenv("RECEIPTOCR_LINE_CHANNEL_SECRET"),
		LineChannelToken:  os.Getenv("RECEIPTOCR_LINE_CHANNEL_TOKEN"),
		AnthropicAPIKey:   os.Getenv("ANTHROPIC_API_KEY"),
	}
}
