package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/medstack/receiptocr/internal/receipt"
)

const visionSystemPrompt = "You transcribe Japanese medical receipts. " +
	"Return strict JSON: {\"lines\": [{\"text\", \"bbox\": [xmin, ytop, xmax, ybottom] normalized to [0,1], " +
	"\"confidence\": 0..1, \"line_index\", \"page\"}]}. Preserve reading order top to bottom. No prose."

type visionFailureClass int

const (
	visionFailureParse visionFailureClass = iota
	visionFailureTimeout
	visionFailureRateLimit
	visionFailureServer
	visionFailureClient
)

type VisionMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// AnthropicProvider recognizes receipt lines with a vision model.
type AnthropicProvider struct {
	messages VisionMessager
	model    anthropic.Model
	retries  int
}

func NewAnthropicProviderFromEnv() (*AnthropicProvider, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, receipt.NewError(receipt.KindOCRFailure, "ANTHROPIC_API_KEY not configured")
	}
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{messages: &c.Messages, model: anthropic.ModelClaudeSonnet4_20250514, retries: 3}, nil
}

func NewAnthropicProvider(m VisionMessager) *AnthropicProvider {
	return &AnthropicProvider{messages: m, model: anthropic.ModelClaudeSonnet4_20250514, retries: 3}
}

func (a *AnthropicProvider) Name() string { return "anthropic" }

func (a *AnthropicProvider) Recognize(ctx context.Context, image []byte) ([]receipt.OCRLine, error) {
	mediaType := http.DetectContentType(image)
	encoded := base64.StdEncoding.EncodeToString(image)
	var lastErr error
	for attempt := 1; attempt <= a.retries; attempt++ {
		resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
			Model:     a.model,
			MaxTokens: 8192,
			System:    []anthropic.TextBlockParam{{Text: visionSystemPrompt}},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(
					anthropic.NewImageBlockBase64(mediaType, encoded),
					anthropic.NewTextBlock("Transcribe every line of this receipt as JSON."),
				),
			},
			Temperature: anthropic.Float(0),
		})
		if err != nil {
			lastErr = err
			if class := classifyVisionError(err); class == visionFailureTimeout || class == visionFailureRateLimit || class == visionFailureServer {
				if attempt < a.retries {
					select {
					case <-ctx.Done():
						return nil, receipt.WrapError(receipt.KindOCRFailure, "vision call canceled", ctx.Err())
					case <-time.After(visionBackoff(attempt)):
					}
					continue
				}
			}
			return nil, receipt.WrapError(receipt.KindOCRFailure, "vision transport failure", err)
		}
		var sb strings.Builder
		for _, b := range resp.Content {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		raw := stripCodeFences(sb.String())
		lines, err := Normalize([]byte(raw))
		if err != nil {
			lastErr = err
			if attempt < a.retries {
				continue
			}
			return nil, receipt.WrapError(receipt.KindOCRFailure, "vision response parse failure", err)
		}
		return lines, nil
	}
	return nil, receipt.WrapError(receipt.KindOCRFailure, "vision call failed after retries", lastErr)
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

func classifyVisionError(err error) visionFailureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return visionFailureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return visionFailureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"):
		return visionFailureRateLimit
	case strings.Contains(msg, "529") || strings.Contains(msg, "overloaded") || strings.Contains(msg, "status code: 5"):
		return visionFailureServer
	case strings.Contains(msg, "status code: 4"):
		return visionFailureClient
	default:
		return visionFailureServer
	}
}

func visionBackoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}

// EncodePayload is used by replay tooling to persist recognized lines.
func EncodePayload(lines []receipt.OCRLine) ([]byte, error) {
	return json.MarshalIndent(struct {
		Lines []receipt.OCRLine `json:"lines"`
	}{lines}, "", "  ")
}
