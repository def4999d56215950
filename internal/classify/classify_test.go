package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swiftai/cv-pipeline/constants"
	"github.com/swiftai/cv-pipeline/internal/common"
	"github.com/swiftai/cv-pipeline/internal/pdftest"
)

func TestClassifyPDFWithTextLayer(t *testing.T) {
	c := NewClassifier(nil)

	got, err := c.Classify(pdftest.WithText("Jane Doe, Software Engineer"))
	require.NoError(t, err)

	assert.Equal(t, constants.MediaPDF, got.MediaType)
	assert.Equal(t, TextLayerPresent, got.HasTextLayer)
	assert.Equal(t, 1, got.PageCount)
}

// Some generators emit only the quote show operators; those pages carry
// a text layer just as much as Tj/TJ pages do.
func TestClassifyPDFWithQuoteOperatorTextLayer(t *testing.T) {
	c := NewClassifier(nil)

	got, err := c.Classify(pdftest.WithQuotedText("Jane Doe, Software Engineer"))
	require.NoError(t, err)

	assert.Equal(t, constants.MediaPDF, got.MediaType)
	assert.Equal(t, TextLayerPresent, got.HasTextLayer)
}

func TestClassifyImageOnlyPDF(t *testing.T) {
	c := NewClassifier(nil)

	got, err := c.Classify(pdftest.ImageOnly())
	require.NoError(t, err)

	assert.Equal(t, constants.MediaPDF, got.MediaType)
	assert.Equal(t, TextLayerAbsent, got.HasTextLayer)
}

func TestClassifyCorruptedPDFIsUnknownNotError(t *testing.T) {
	c := NewClassifier(nil)

	// Valid signature, garbage body: must not fail, must not claim a verdict.
	got, err := c.Classify([]byte("%PDF-1.4\nnot really a pdf"))
	require.NoError(t, err)

	assert.Equal(t, constants.MediaPDF, got.MediaType)
	assert.Equal(t, TextLayerUnknown, got.HasTextLayer)
}

func TestClassifyImages(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name string
		data []byte
		want constants.MediaType
	}{
		{"png", []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0x00}, constants.MediaPNG},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00}, constants.MediaJPEG},
		{"tiff little endian", []byte{'I', 'I', 0x2A, 0x00, 0x08}, constants.MediaTIFF},
		{"tiff big endian", []byte{'M', 'M', 0x00, 0x2A, 0x08}, constants.MediaTIFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Classify(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.MediaType)
			assert.Equal(t, TextLayerAbsent, got.HasTextLayer)
			assert.Equal(t, 1, got.PageCount)
		})
	}
}

func TestClassifyUnsupportedSignature(t *testing.T) {
	c := NewClassifier(nil)

	_, err := c.Classify([]byte("GIF89a definitely not supported"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnsupportedFormat))
}

func TestClassifyEmptyInput(t *testing.T) {
	c := NewClassifier(nil)

	_, err := c.Classify(nil)
	assert.True(t, errors.Is(err, common.ErrUnsupportedFormat))
}
