package constants

// MediaType is the detected content type of an uploaded document.
type MediaType string

// Stable values (store these exact strings in DB).
const (
	MediaPDF  MediaType = "application/pdf"
	MediaPNG  MediaType = "image/png"
	MediaJPEG MediaType = "image/jpeg"
	MediaTIFF MediaType = "image/tiff"
)

// SupportedMediaTypes holds every media type the classifier accepts.
var SupportedMediaTypes = []MediaType{MediaPDF, MediaPNG, MediaJPEG, MediaTIFF}

// IsImage reports whether a media type is processed by the image (OCR-only) path.
func (m MediaType) IsImage() bool {
	return m == MediaPNG || m == MediaJPEG || m == MediaTIFF
}

// ExtractionMethod records how a page's text was obtained.
type ExtractionMethod string

const (
	MethodNative ExtractionMethod = "native"
	MethodOCR    ExtractionMethod = "ocr"
)
