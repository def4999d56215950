package constants

// ArtifactKind names the derived artifacts stored under a document hash.
// Storage layout is {documentHash}/{artifactKind}.
type ArtifactKind string

const (
	ArtifactRaw           ArtifactKind = "raw"
	ArtifactExtractedText ArtifactKind = "extracted-text"
	ArtifactCanonical     ArtifactKind = "canonical"
	ArtifactRendered      ArtifactKind = "rendered"
)

// RenderedKind addresses one rendered output by its own content checksum,
// so renders of the same document with different templates never collide
// under the write-once store.
func RenderedKind(pdfChecksum string) ArtifactKind {
	if len(pdfChecksum) > 12 {
		pdfChecksum = pdfChecksum[:12]
	}
	return ArtifactKind(string(ArtifactRendered) + "-" + pdfChecksum)
}

// PipelineVersion is part of the idempotency key: bumping it lets a
// resubmitted document reprocess after a behavior change.
const PipelineVersion = "v1"

// ExtractorVersion and RenderVersion key the derived-artifact caches so a
// logic change invalidates stale cached artifacts.
const (
	ExtractorVersion = "v1"
	RenderVersion    = "v1"
)
