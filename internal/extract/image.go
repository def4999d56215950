package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/common"
)

// extractImage handles standalone image uploads: a single OCR page.
func (e *Extractor) extractImage(ctx context.Context, path string) (Result, error) {
	text, conf, err := e.ocrImage(ctx, path)
	if err != nil {
		if common.IsTransient(err) {
			return Result{}, err
		}
		return Result{}, common.NewAppError("EXTRACTION_FAILED",
			fmt.Sprintf("image ocr: %v", err), common.ErrExtractionFailed)
	}
	return Result{
		Pages: []PageResult{{
			PageIndex:  1,
			Method:     constants.MethodOCR,
			Text:       text,
			Confidence: conf,
		}},
	}, nil
}

// ocrImage runs tesseract over one raster image and computes a
// confidence in 0..1: TSV mean word confidence when enabled, blended with
// a content heuristic.
func (e *Extractor) ocrImage(ctx context.Context, path string) (string, float32, error) {
	text, err := e.tesseract(ctx, path)
	if err != nil {
		return "", 0, err
	}
	text = reBoxNoise.ReplaceAllString(text, "")

	var ocrConf float32
	if e.cfg.EnableTSVConfidence {
		if c, tsvErr := e.tesseractTSVConfidence(ctx, path); tsvErr == nil {
			ocrConf = c
		}
		// TSV failure is not fatal: heuristic confidence still applies.
	}
	heurConf := heuristicConfidence(text)

	// blend: weight OCR higher if present
	conf := heurConf
	if ocrConf > 0 {
		conf = 0.7*ocrConf + 0.3*heurConf
	}
	if conf > 1.0 {
		conf = 1.0
	}
	return text, conf, nil
}

func (e *Extractor) tesseract(ctx context.Context, path string) (string, error) {
	args := []string{path, "stdout", "-l", e.cfg.TesseractLang}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}

	// tesseract <file> stdout -l <lang>
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		if common.IsTransient(err) {
			return "", err
		}
		return "", fmt.Errorf("tesseract: %w (%s)", err, truncate(string(errb), 512))
	}
	return string(out), nil
}

// tesseractTSVConfidence runs tesseract in TSV mode and returns mean word conf in 0..1.
func (e *Extractor) tesseractTSVConfidence(ctx context.Context, path string) (float32, error) {
	args := []string{path, "stdout", "-l", e.cfg.TesseractLang}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	args = append(args, "tsv")

	out, _, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		return 0, fmt.Errorf("tesseract TSV: %w", err)
	}

	lines := strings.Split(string(out), "\n")
	// column 10 is conf, column 11 the word text (which may itself be
	// numeric, so positional access matters)
	var sum, n float64
	for i, ln := range lines {
		if i == 0 || len(ln) == 0 {
			continue // skip header
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		confStr := cols[10]
		if confStr == "" || confStr == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	mean := sum / n // 0..100
	return float32(mean / 100.0), nil
}
