package ocr

import (
	"testing"
)

func TestNormalizePercentConfidenceAndClamp(t *testing.T) {
	payload := []byte(`[{"text": "領収金額 ¥1,240", "bbox": [0.1, 0.2, 0.5, 0.25], "confidence": 97.0, "line_index": 0}]`)
	lines, err := Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if got := lines[0].Confidence; got != 0.97 {
		t.Errorf("confidence = %v, want 0.97", got)
	}
}

func TestNormalizePixelBBox(t *testing.T) {
	payload := []byte(`[{"text": "合計", "bbox": [100, 200, 500, 240], "confidence": 0.9, "page_width": 1000, "page_height": 2000}]`)
	lines, err := Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b := lines[0].BBox
	want := [4]float64{0.1, 0.1, 0.5, 0.12}
	for i := range want {
		if diff := b[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("bbox[%d] = %v, want %v", i, b[i], want[i])
		}
	}
}

func TestNormalizeSortsAndDropsEmpty(t *testing.T) {
	payload := []byte(`{"lines": [
		{"text": "  ", "bbox": [0, 0, 1, 0.1], "confidence": 0.9, "line_index": 0},
		{"text": "b", "bbox": [0.1, 0.5, 0.3, 0.55], "confidence": 0.9, "line_index": 2},
		{"text": "a", "bbox": [0.1, 0.1, 0.3, 0.15], "confidence": 0.9, "line_index": 1}
	]}`)
	lines, err := Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0].Text != "a" || lines[1].Text != "b" {
		t.Errorf("order = %q, %q; want a, b", lines[0].Text, lines[1].Text)
	}
}

func TestNormalizeFoldsFullWidthDigits(t *testing.T) {
	payload := []byte(`[{"text": "金額 １，２４０円", "bbox": [0.1, 0.1, 0.5, 0.15], "confidence": 0.9}]`)
	lines, err := Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got, want := lines[0].Text, "金額 1,240円"; got != want {
		t.Errorf("text = %q, want %q", got, want)
	}
}

func TestNormalizePolygonInput(t *testing.T) {
	payload := []byte(`[{"text": "x", "polygon": [[0.2, 0.3], [0.6, 0.3], [0.6, 0.35], [0.2, 0.35]], "confidence": 0.8}]`)
	lines, err := Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	b := lines[0].BBox
	if b[0] != 0.2 || b[1] != 0.3 || b[2] != 0.6 || b[3] != 0.35 {
		t.Errorf("bbox = %v", b)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	if _, err := Normalize([]byte(`not json`)); err == nil {
		t.Fatal("expected error for undecodable payload")
	}
}

func TestNormalizeDropsOnlyMangledLine(t *testing.T) {
	payload := []byte(`[
		{"text": "すこやか薬局", "bbox": [0.1, 0.05, 0.6, 0.1], "confidence": 0.9},
		{"text": "broken", "bbox": [0.1, 0.5], "confidence": 0.9},
		{"text": "領収金額 1,240円", "bbox": [0.1, 0.6, 0.6, 0.65], "confidence": 0.9}
	]`)
	lines, err := Normalize(payload)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for _, l := range lines {
		if l.Text == "broken" {
			t.Fatal("mangled line survived")
		}
	}
}

func TestMeanConfidence(t *testing.T) {
	lines, err := Normalize([]byte(`[
		{"text": "a", "bbox": [0,0,1,0.1], "confidence": 0.8},
		{"text": "b", "bbox": [0,0.2,1,0.3], "confidence": 0.6}
	]`))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got := MeanConfidence(lines); got < 0.699 || got > 0.701 {
		t.Errorf("MeanConfidence = %v, want 0.7", got)
	}
	if got := MeanConfidence(nil); got != 0 {
		t.Errorf("MeanConfidence(nil) = %v, want 0", got)
	}
}
