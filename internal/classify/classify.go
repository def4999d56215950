// Package classify inspects uploaded bytes and decides their media type
// and, for PDFs, whether a usable text layer is present. Detection works
// on magic bytes, never on the declared filename.
package classify

import (
	"bytes"
	"fmt"
	"log/slog"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/common"
)

// TextLayer is a tri-state: a corrupted or fully-compressed PDF yields
// Unknown rather than an error, and the extractor then decides per page.
type TextLayer string

const (
	TextLayerPresent TextLayer = "present"
	TextLayerAbsent  TextLayer = "absent"
	TextLayerUnknown TextLayer = "unknown"
)

// Classification is the classifier verdict for one document.
type Classification struct {
	MediaType    constants.MediaType `json:"media_type"`
	HasTextLayer TextLayer           `json:"has_text_layer"`
	PageCount    int                 `json:"page_count"`
}

var (
	sigPDF    = []byte("%PDF-")
	sigPNG    = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	sigJPEG   = []byte{0xFF, 0xD8, 0xFF}
	sigTIFFle = []byte{'I', 'I', 0x2A, 0x00}
	sigTIFFbe = []byte{'M', 'M', 0x00, 0x2A}
)

type Classifier struct {
	logger *slog.Logger
	conf   *model.Configuration
}

func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Classifier{logger: logger, conf: conf}
}

// Classify sniffs the signature and probes PDF structure. It fails with
// ErrUnsupportedFormat only when the bytes match no supported signature.
func (c *Classifier) Classify(data []byte) (Classification, error) {
	switch {
	case bytes.HasPrefix(data, sigPDF):
		return c.classifyPDF(data), nil
	case bytes.HasPrefix(data, sigPNG):
		return Classification{MediaType: constants.MediaPNG, HasTextLayer: TextLayerAbsent, PageCount: 1}, nil
	case bytes.HasPrefix(data, sigJPEG):
		return Classification{MediaType: constants.MediaJPEG, HasTextLayer: TextLayerAbsent, PageCount: 1}, nil
	case bytes.HasPrefix(data, sigTIFFle), bytes.HasPrefix(data, sigTIFFbe):
		return Classification{MediaType: constants.MediaTIFF, HasTextLayer: TextLayerAbsent, PageCount: 1}, nil
	default:
		c.logger.Warn("no supported signature matched", "prefix", previewPrefix(data))
		return Classification{}, common.NewAppError("UNSUPPORTED_FORMAT",
			"bytes match no supported signature (PDF, PNG, JPEG, TIFF)", common.ErrUnsupportedFormat)
	}
}

func (c *Classifier) classifyPDF(data []byte) Classification {
	out := Classification{MediaType: constants.MediaPDF, HasTextLayer: TextLayerUnknown}

	rs := bytes.NewReader(data)
	if n, err := api.PageCount(rs, c.conf); err == nil {
		out.PageCount = n
	} else {
		// Structurally damaged but signature-valid: leave the text layer
		// unknown and let per-page extraction sort it out.
		c.logger.Warn("pdf structural probe failed", "error", err)
		return out
	}

	layer, err := probeTextLayer(data)
	if err != nil {
		c.logger.Debug("text layer probe inconclusive", "error", err)
		return out
	}
	out.HasTextLayer = layer
	return out
}

func previewPrefix(data []byte) string {
	n := len(data)
	if n > 8 {
		n = 8
	}
	return fmt.Sprintf("%x", data[:n])
}
