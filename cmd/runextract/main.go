// runextract runs classification, extraction and normalization over a
// single local file and prints the canonical document as JSON. Useful for
// tuning the heuristics without the daemon.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/swiftai/cv-pipeline/internal/classify"
	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/extract"
	"github.com/swiftai/cv-pipeline/internal/normalize"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if len(os.Args) != 2 {
		logger.Error("usage", "cmd", "runextract <file>")
		os.Exit(2)
	}
	data, err := os.ReadFile(os.Args[1])
	if err != nil {
		logger.Error("reading input", "path", os.Args[1], "error", err)
		os.Exit(1)
	}

	cfg := common.LoadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cls, err := classify.NewClassifier(logger).Classify(data)
	if err != nil {
		logger.Error("classification failed", "error", err)
		os.Exit(1)
	}
	logger.Info("classified",
		"media_type", cls.MediaType,
		"text_layer", cls.HasTextLayer,
		"pages", cls.PageCount,
	)

	extractor := extract.NewExtractor(extract.Config{
		Pdftotext:           cfg.Extract.Pdftotext,
		Pdftoppm:            cfg.Extract.Pdftoppm,
		Tesseract:           cfg.Extract.Tesseract,
		TesseractLang:       cfg.Extract.TesseractLang,
		TessdataDir:         cfg.Extract.TessdataDir,
		DPI:                 cfg.Extract.DPI,
		MaxPages:            cfg.Extract.MaxPages,
		MinCharsPerPage:     cfg.Extract.MinCharsPerPage,
		ConfidenceThreshold: cfg.Extract.ConfidenceThreshold,
		EnableTSVConfidence: cfg.Extract.EnableTSVConfidence,
	}, logger)

	start := time.Now()
	res, err := extractor.Extract(ctx, data, cls)
	if err != nil {
		logger.Error("extraction failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		os.Exit(1)
	}
	logger.Info("extraction ok",
		"pages", len(res.Pages),
		"used_ocr", res.UsedOCR(),
		"warnings", len(res.Warnings),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	doc := normalize.NewNormalizer(logger).Normalize(res)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		logger.Error("encoding canonical document", "error", err)
		os.Exit(1)
	}
}
