package extract

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/classify"
	"github.com/swiftai/cv-pipeline/internal/common"
)

// extractPDF walks the document page by page. Pages with a working text
// layer go native; pages that error or come back under MinCharsPerPage
// fall through to OCR for that page only. The whole extraction fails only
// when every page failed both ways.
func (e *Extractor) extractPDF(ctx context.Context, path string, cls classify.Classification) (Result, error) {
	pageCount := cls.PageCount
	if pageCount <= 0 {
		// Structural probe could not count pages; pdftotext still reports
		// page breaks as form feeds on a whole-document pass.
		n, warns, err := e.countPagesViaText(ctx, path)
		if err != nil {
			return Result{Warnings: warns}, err
		}
		pageCount = n
	}
	if e.cfg.MaxPages > 0 && pageCount > e.cfg.MaxPages {
		pageCount = e.cfg.MaxPages
	}

	tryNative := cls.HasTextLayer != classify.TextLayerAbsent

	res := Result{Pages: make([]PageResult, 0, pageCount)}
	pageErrs := make(map[int]error)

	for page := 1; page <= pageCount; page++ {
		if err := ctx.Err(); err != nil {
			return res, common.WrapError(common.ErrTimeout, err.Error())
		}

		if tryNative {
			text, err := e.pdfPageToText(ctx, path, page)
			if err == nil && len(strings.TrimSpace(text)) >= e.cfg.MinCharsPerPage {
				res.Pages = append(res.Pages, PageResult{
					PageIndex: page,
					Method:    constants.MethodNative,
					Text:      text,
				})
				continue
			}
			if err != nil {
				if common.IsTransient(err) {
					// Engine trouble is not a content verdict; surface it
					// instead of burning OCR time on every page.
					return res, err
				}
				res.Warnings = append(res.Warnings, fmt.Sprintf("page %d: native extraction: %v", page, err))
			} else {
				res.Warnings = append(res.Warnings, fmt.Sprintf("page %d: declared text layer yielded %d chars, running ocr", page, len(strings.TrimSpace(text))))
			}
		}

		pr, err := e.ocrPDFPage(ctx, path, page)
		if err != nil {
			if common.IsTransient(err) {
				return res, err
			}
			pageErrs[page] = err
			res.Warnings = append(res.Warnings, fmt.Sprintf("page %d: ocr: %v", page, err))
			continue
		}
		res.Pages = append(res.Pages, pr)
	}

	if len(res.Pages) == 0 {
		return res, common.NewAppError("EXTRACTION_FAILED",
			"every page failed native extraction and ocr: "+failedPages(pageErrs),
			common.ErrExtractionFailed)
	}
	return res, nil
}

// pdfPageToText runs pdftotext restricted to one page.
func (e *Extractor) pdfPageToText(ctx context.Context, path string, page int) (string, error) {
	// pdftotext -layout -enc UTF-8 -eol unix -f N -l N <path> -
	out, _, err := e.runner.Run(ctx, e.cfg.Pdftotext,
		"-layout", "-enc", "UTF-8", "-eol", "unix",
		"-f", fmt.Sprintf("%d", page), "-l", fmt.Sprintf("%d", page),
		path, "-")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// countPagesViaText counts form feeds in a full pdftotext pass.
func (e *Extractor) countPagesViaText(ctx context.Context, path string) (int, []string, error) {
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return 0, []string{string(errb)}, err
	}
	return 1 + strings.Count(string(out), "\f"), nil, nil
}

// ocrPDFPage rasterizes one page and runs tesseract over it.
func (e *Extractor) ocrPDFPage(ctx context.Context, path string, page int) (PageResult, error) {
	prefix := filepath.Join(filepath.Dir(path), fmt.Sprintf("page%d", page))
	// pdftoppm -r <dpi> -png -f N -l N <in.pdf> <prefix>
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm,
		"-r", fmt.Sprintf("%d", e.cfg.DPI), "-png",
		"-f", fmt.Sprintf("%d", page), "-l", fmt.Sprintf("%d", page),
		path, prefix)
	if err != nil {
		if common.IsTransient(err) {
			return PageResult{}, err
		}
		return PageResult{}, fmt.Errorf("pdftoppm: %w (%s)", err, truncate(string(errb), 512))
	}

	// pdftoppm numbers output pages (prefix-1.png ... or prefix-01.png);
	// with -f N -l N there is exactly one match.
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if len(matches) == 0 {
		return PageResult{}, fmt.Errorf("pdftoppm produced no image for page %d", page)
	}

	text, conf, err := e.ocrImage(ctx, matches[0])
	if err != nil {
		return PageResult{}, err
	}
	return PageResult{
		PageIndex:  page,
		Method:     constants.MethodOCR,
		Text:       text,
		Confidence: conf,
	}, nil
}
