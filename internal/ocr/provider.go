package ocr

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/medstack/receiptocr/internal/receipt"
)

// Provider recognizes text lines in a receipt image.
type Provider interface {
	Name() string
	Recognize(ctx context.Context, image []byte) ([]receipt.OCRLine, error)
}

// FileProvider recognizes from a payload already on disk (batch mode).
type FileProvider interface {
	RecognizeFile(ctx context.Context, path string) ([]receipt.OCRLine, error)
}

// MockProvider serves canned payloads: a sidecar <stem>.ocr.json next to the
// input file when present, otherwise a built-in pharmacy sample. Used in
// development and tests.
type MockProvider struct {
	// Fixture overrides the built-in payload for Recognize.
	Fixture []byte
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Recognize(ctx context.Context, image []byte) ([]receipt.OCRLine, error) {
	payload := m.Fixture
	if len(payload) == 0 {
		payload = []byte(builtinPharmacyPayload)
	}
	return Normalize(payload)
}

func (m *MockProvider) RecognizeFile(ctx context.Context, path string) ([]receipt.OCRLine, error) {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	if data, err := os.ReadFile(stem + ".ocr.json"); err == nil {
		return Normalize(data)
	}
	if strings.HasSuffix(path, ".json") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, receipt.WrapError(receipt.KindOCRFailure, "read payload", err)
		}
		return Normalize(data)
	}
	return m.Recognize(ctx, nil)
}

// builtinPharmacyPayload is a plausible pharmacy receipt used when no
// fixture is supplied.
const builtinPharmacyPayload = `{"lines": [
  {"text": "すこやか薬局 中央店", "bbox": [0.08, 0.03, 0.68, 0.07], "confidence": 0.97, "line_index": 0},
  {"text": "〒150-0001 東京都渋谷区1-2-3 TEL 03-1234-5678", "bbox": [0.08, 0.08, 0.90, 0.11], "confidence": 0.93, "line_index": 1},
  {"text": "領収書", "bbox": [0.40, 0.13, 0.60, 0.17], "confidence": 0.98, "line_index": 2},
  {"text": "山田 太郎 様", "bbox": [0.10, 0.20, 0.42, 0.24], "confidence": 0.95, "line_index": 3},
  {"text": "調剤日 2026/02/17", "bbox": [0.10, 0.27, 0.48, 0.30], "confidence": 0.96, "line_index": 4},
  {"text": "処方箋発行医療機関 さくら内科クリニック", "bbox": [0.10, 0.32, 0.78, 0.35], "confidence": 0.91, "line_index": 5},
  {"text": "保険点数 412点", "bbox": [0.10, 0.40, 0.45, 0.43], "confidence": 0.94, "line_index": 6},
  {"text": "領収金額 ¥1,240", "bbox": [0.10, 0.55, 0.52, 0.59], "confidence": 0.97, "line_index": 7}
]}`
