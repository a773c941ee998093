package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/medstack/receiptocr/internal/evaluation"
)

func main() {
	inputPath := flag.String("input", "", "Markdown report or metrics JSON to render")
	outputPath := flag.String("output", "report.pdf", "PDF output path")
	timeout := flag.Duration("timeout", 2*time.Minute, "Rendering timeout")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("missing required -input")
	}
	in, err := os.ReadFile(*inputPath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}

	markdown := string(in)
	// A metrics JSON dump is rendered to markdown first; anything else is
	// treated as markdown already.
	var metrics evaluation.Metrics
	if err := json.Unmarshal(in, &metrics); err == nil && metrics.Documents > 0 {
		markdown = evaluation.RenderMarkdown(metrics, time.Now())
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pdf, err := evaluation.NewPDFRenderer().Render(ctx, markdown)
	if err != nil {
		log.Fatalf("render pdf: %v", err)
	}
	if err := os.WriteFile(*outputPath, pdf, 0o644); err != nil {
		log.Fatalf("write pdf: %v", err)
	}
	fmt.Printf("wrote %s (%d bytes)\n", *outputPath, len(pdf))
}
