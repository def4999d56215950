package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/classify"
	"github.com/swiftai/cv-pipeline/internal/common"
)

// stubRunner scripts engine behavior per command name and records calls.
type stubRunner struct {
	calls []string

	pdftotextPage func(page int) (string, error)
	tesseractText string
	tesseractErr  error
	tsv           string
	pdftoppmErr   error
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.calls = append(s.calls, name)
	switch {
	case strings.Contains(name, "pdftotext"):
		page := argAfter(args, "-f")
		if s.pdftotextPage == nil {
			return nil, nil, errors.New("unexpected pdftotext call")
		}
		text, err := s.pdftotextPage(page)
		return []byte(text), nil, err
	case strings.Contains(name, "pdftoppm"):
		if s.pdftoppmErr != nil {
			return nil, nil, s.pdftoppmErr
		}
		// emulate pdftoppm writing <prefix>-N.png
		prefix := args[len(args)-1]
		page := argAfter(args, "-f")
		if err := os.WriteFile(fmt.Sprintf("%s-%d.png", prefix, page), []byte("png"), 0o600); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	case strings.Contains(name, "tesseract"):
		if args[len(args)-1] == "tsv" {
			return []byte(s.tsv), nil, nil
		}
		return []byte(s.tesseractText), nil, s.tesseractErr
	default:
		return nil, nil, fmt.Errorf("unknown command %q", name)
	}
}

func argAfter(args []string, flag string) int {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			var n int
			_, _ = fmt.Sscanf(args[i+1], "%d", &n)
			return n
		}
	}
	return 1
}

func (s *stubRunner) countCalls(name string) int {
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c, name) {
			n++
		}
	}
	return n
}

func newTestExtractor(r Runner) *Extractor {
	return NewExtractor(Config{MinCharsPerPage: 10, ConfidenceThreshold: 0.6, EnableTSVConfidence: true}, nil).WithRunner(r)
}

const longNativeText = "Jane Doe, Software Engineer\njane@example.com\nten years building document systems"

func TestExtractNativeNeverInvokesOCR(t *testing.T) {
	stub := &stubRunner{
		pdftotextPage: func(page int) (string, error) { return longNativeText, nil },
	}
	e := newTestExtractor(stub)

	res, err := e.Extract(context.Background(), []byte("%PDF-fake"), classify.Classification{
		MediaType:    constants.MediaPDF,
		HasTextLayer: classify.TextLayerPresent,
		PageCount:    3,
	})
	require.NoError(t, err)

	require.Len(t, res.Pages, 3)
	for _, p := range res.Pages {
		assert.Equal(t, constants.MethodNative, p.Method)
		assert.Contains(t, p.Text, "Jane Doe, Software Engineer")
	}
	assert.False(t, res.UsedOCR())
	assert.Zero(t, stub.countCalls("pdftoppm"), "native-first: rasterizer must not run")
	assert.Zero(t, stub.countCalls("tesseract"), "native-first: ocr must not run")
}

func TestExtractPerPageFallback(t *testing.T) {
	stub := &stubRunner{
		pdftotextPage: func(page int) (string, error) {
			if page == 2 {
				return " \n ", nil // broken text layer on page 2 only
			}
			return longNativeText, nil
		},
		tesseractText: "OCR RECOVERED TEXT with jane@example.com from 2019",
		tsv: "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
			"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t91.5\tOCR\n" +
			"5\t1\t1\t1\t1\t2\t0\t0\t10\t10\t88.5\tRECOVERED\n",
	}
	e := newTestExtractor(stub)

	res, err := e.Extract(context.Background(), []byte("%PDF-fake"), classify.Classification{
		MediaType:    constants.MediaPDF,
		HasTextLayer: classify.TextLayerPresent,
		PageCount:    3,
	})
	require.NoError(t, err)
	require.Len(t, res.Pages, 3)

	methods := map[int]constants.ExtractionMethod{}
	for _, p := range res.Pages {
		methods[p.PageIndex] = p.Method
	}
	assert.Equal(t, constants.MethodNative, methods[1])
	assert.Equal(t, constants.MethodOCR, methods[2])
	assert.Equal(t, constants.MethodNative, methods[3])
	assert.Equal(t, 1, stub.countCalls("pdftoppm"), "only the broken page is rasterized")
	assert.True(t, res.UsedOCR())
}

func TestExtractOCRConfidenceAttached(t *testing.T) {
	stub := &stubRunner{
		tesseractText: "Jane Doe jane@example.com +1 415 555 0100 employed since 2015 " + strings.Repeat("x", 200),
		tsv: "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
			"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\tJane\n" +
			"5\t1\t1\t1\t1\t2\t0\t0\t10\t10\t80\tDoe\n",
	}
	e := newTestExtractor(stub)

	res, err := e.Extract(context.Background(), []byte("png-bytes"), classify.Classification{
		MediaType:    constants.MediaPNG,
		HasTextLayer: classify.TextLayerAbsent,
		PageCount:    1,
	})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)

	p := res.Pages[0]
	assert.Equal(t, constants.MethodOCR, p.Method)
	// TSV mean 85% blended 0.7/0.3 with full-signal heuristic (0.8)
	assert.InDelta(t, 0.7*0.85+0.3*0.8, p.Confidence, 0.01)
	assert.False(t, p.LowConfidence)
}

// Numeric word texts (years, phone fragments) sit in the column after
// conf; averaging them instead would wildly inflate the score.
func TestExtractTSVConfidenceReadsConfColumn(t *testing.T) {
	stub := &stubRunner{
		tesseractText: "Jane Doe jane@example.com +1 415 555 0100 employed since 2015 " + strings.Repeat("x", 200),
		tsv: "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
			"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t90\t2015\n" +
			"5\t1\t1\t1\t1\t2\t0\t0\t10\t10\t70\t100\n",
	}
	e := newTestExtractor(stub)

	res, err := e.Extract(context.Background(), []byte("png-bytes"), classify.Classification{
		MediaType:    constants.MediaPNG,
		HasTextLayer: classify.TextLayerAbsent,
		PageCount:    1,
	})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)

	// TSV mean 80% blended 0.7/0.3 with full-signal heuristic (0.8)
	assert.InDelta(t, 0.7*0.80+0.3*0.8, res.Pages[0].Confidence, 0.01)
}

func TestExtractLowConfidenceFlaggedNotDiscarded(t *testing.T) {
	stub := &stubRunner{
		tesseractText: "garbled",
		tsv: "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
			"5\t1\t1\t1\t1\t1\t0\t0\t10\t10\t20\tgarbled\n",
	}
	e := newTestExtractor(stub)

	res, err := e.Extract(context.Background(), []byte("png"), classify.Classification{
		MediaType: constants.MediaPNG,
		PageCount: 1,
	})
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	assert.True(t, res.Pages[0].LowConfidence)
	assert.Equal(t, "garbled", res.Pages[0].Text)
}

func TestExtractAllPagesFailing(t *testing.T) {
	stub := &stubRunner{
		pdftotextPage: func(page int) (string, error) { return "", errors.New("exit status 1") },
		pdftoppmErr:   errors.New("exit status 3"),
	}
	e := newTestExtractor(stub)

	_, err := e.Extract(context.Background(), []byte("%PDF-fake"), classify.Classification{
		MediaType:    constants.MediaPDF,
		HasTextLayer: classify.TextLayerUnknown,
		PageCount:    2,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrExtractionFailed))
	assert.False(t, common.IsTransient(err))
}

func TestExtractEngineCrashIsTransient(t *testing.T) {
	stub := &stubRunner{
		pdftotextPage: func(page int) (string, error) {
			return "", common.WrapError(common.ErrEngineFailure, "signal: killed")
		},
	}
	e := newTestExtractor(stub)

	_, err := e.Extract(context.Background(), []byte("%PDF-fake"), classify.Classification{
		MediaType:    constants.MediaPDF,
		HasTextLayer: classify.TextLayerPresent,
		PageCount:    1,
	})
	require.Error(t, err)
	assert.True(t, common.IsTransient(err))
}

func TestNormalizeText(t *testing.T) {
	in := "a\r\nb\t\tc  d\n\n\n\ne   \n"
	assert.Equal(t, "a\nb c d\n\ne", NormalizeText(in))
}
