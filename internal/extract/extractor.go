// Package extract turns a classified document into per-page text, using
// the native text layer where one exists and falling back to OCR page by
// page. All engine calls go through a stubbable Runner.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/classify"
	"github.com/swiftai/cv-pipeline/internal/common"
)

type Config struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang string // default "eng"
	TessdataDir   string
	DPI           int // rasterization DPI for OCR fallback, default 300
	MaxPages      int // 0 = no limit

	// MinCharsPerPage is the floor under which a declared text layer is
	// treated as broken for that page and OCR runs instead.
	MinCharsPerPage int

	// ConfidenceThreshold flags (not discards) OCR pages below it.
	ConfidenceThreshold float32

	EnableTSVConfidence bool
}

// PageResult is one page's extraction outcome. Method is tracked per
// page: a PDF with a broken text layer on one page mixes native and ocr.
type PageResult struct {
	PageIndex     int                        `json:"page_index"`
	Method        constants.ExtractionMethod `json:"method"`
	Text          string                     `json:"text"`
	Confidence    float32                    `json:"confidence,omitempty"`
	LowConfidence bool                       `json:"low_confidence,omitempty"`
}

// Result is the extraction artifact cached by document content hash.
type Result struct {
	DocumentHash string       `json:"document_hash"`
	Pages        []PageResult `json:"pages"`
	Language     string       `json:"language"`
	Warnings     []string     `json:"warnings,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// Text concatenates per-page text with form-feed page breaks.
func (r Result) Text() string {
	var out string
	for i, p := range r.Pages {
		if i > 0 {
			out += "\n\f\n"
		}
		out += p.Text
	}
	return out
}

// UsedOCR reports whether any page was OCR-derived.
func (r Result) UsedOCR() bool {
	for _, p := range r.Pages {
		if p.Method == constants.MethodOCR {
			return true
		}
	}
	return false
}

type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

func NewExtractor(cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.MinCharsPerPage <= 0 {
		cfg.MinCharsPerPage = 32
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.6
	}
	return &Extractor{cfg: cfg, runner: execRunner{}, logger: logger}
}

// WithRunner swaps the exec runner; tests use this to stub engines.
func (e *Extractor) WithRunner(r Runner) *Extractor {
	e.runner = r
	return e
}

// Extract is deterministic for a given document + classification. The
// input bytes are staged to a temp file because every engine wants paths.
func (e *Extractor) Extract(ctx context.Context, data []byte, cls classify.Classification) (Result, error) {
	start := time.Now()

	logger := e.logger
	if hash, ok := common.ContentHashFromContext(ctx); ok {
		logger = logger.With("doc_hash", hash)
	}

	dir, err := os.MkdirTemp("", "cvp-extract-*")
	if err != nil {
		return Result{}, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn("failed to remove temp dir", "dir", dir, "error", rmErr)
		}
	}()

	path := filepath.Join(dir, "source"+extFor(cls.MediaType))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Result{}, common.WrapError(common.ErrStorageUnavailable, err.Error())
	}

	var res Result
	if cls.MediaType == constants.MediaPDF {
		res, err = e.extractPDF(ctx, path, cls)
	} else {
		res, err = e.extractImage(ctx, path)
	}
	res.Language = e.cfg.TesseractLang
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}

	for i := range res.Pages {
		res.Pages[i].Text = NormalizeText(res.Pages[i].Text)
		if res.Pages[i].Method == constants.MethodOCR &&
			res.Pages[i].Confidence < e.cfg.ConfidenceThreshold {
			res.Pages[i].LowConfidence = true
		}
	}
	logger.Debug("extraction done",
		"pages", len(res.Pages),
		"used_ocr", res.UsedOCR(),
		"warnings", len(res.Warnings),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func extFor(m constants.MediaType) string {
	switch m {
	case constants.MediaPDF:
		return ".pdf"
	case constants.MediaPNG:
		return ".png"
	case constants.MediaJPEG:
		return ".jpg"
	case constants.MediaTIFF:
		return ".tif"
	default:
		return ".bin"
	}
}

// failedPages builds the diagnostic detail for a whole-document failure.
func failedPages(pageErrs map[int]error) string {
	out := ""
	for i, err := range pageErrs {
		if out != "" {
			out += "; "
		}
		out += fmt.Sprintf("page %d: %v", i, err)
	}
	return out
}
