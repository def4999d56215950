// Package normalize turns raw extracted text into the canonical candidate
// document: named sections, contact fields, and a raw fallback holding
// whatever the heuristics could not place. Normalization never fails:
// unstructured input degrades to an all-fallback document.
package normalize

import (
	"log/slog"
	"strings"

	"github.com/swiftai/cv-pipeline/internal/extract"
)

// NormalizerVersion keys cached canonical documents.
const NormalizerVersion = "v1"

// CanonicalDoc is the normalized candidate-document representation.
// Regenerable from ExtractedText, never authoritative.
type CanonicalDoc struct {
	// Sections maps canonical section name to ordered text blocks.
	Sections map[string][]string `json:"sections"`
	// SectionOrder preserves the order sections appeared in the source.
	SectionOrder []string `json:"section_order"`
	// Contact holds detected contact fields (name, email, phone, link).
	Contact map[string]string `json:"contact"`
	// RawText collects everything no heuristic claimed, so nothing is
	// silently dropped.
	RawText string `json:"raw_text"`
	Version string `json:"version"`
}

// headerRegionMaxLines bounds how much leading text may be treated as the
// contact/header region before it spills to the raw fallback.
const headerRegionMaxLines = 8

type Normalizer struct {
	logger *slog.Logger
}

func NewNormalizer(logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{logger: logger}
}

// Normalize applies the fixed ordered heuristics over the concatenated
// per-page text.
func (n *Normalizer) Normalize(res extract.Result) CanonicalDoc {
	doc := CanonicalDoc{
		Sections: map[string][]string{},
		Contact:  map[string]string{},
		Version:  NormalizerVersion,
	}

	text := strings.ReplaceAll(res.Text(), "\f", "\n")
	lines := strings.Split(text, "\n")

	var raw []string
	current := "" // "" = before any recognized header
	var leading []string

	flushLeading := func() {
		if len(leading) == 0 {
			return
		}
		head, rest := n.splitHeaderRegion(leading)
		if len(head) > 0 {
			doc.appendBlock(SectionContact, strings.Join(head, "\n"))
			n.fillContact(&doc, head)
		}
		if len(rest) > 0 {
			raw = append(raw, rest...)
		}
		leading = nil
	}

	var body []string
	flushBody := func() {
		if current == "" || len(body) == 0 {
			body = nil
			return
		}
		for _, block := range splitBlocks(body) {
			doc.appendBlock(current, block)
		}
		body = nil
	}

	for _, line := range lines {
		if section := matchSectionHeader(line); section != "" {
			flushLeading()
			flushBody()
			current = section
			continue
		}
		if current == "" {
			leading = append(leading, line)
			continue
		}
		body = append(body, line)
	}
	flushLeading()
	flushBody()

	doc.RawText = strings.TrimSpace(strings.Join(raw, "\n"))

	n.logger.Debug("normalized document",
		"sections", len(doc.Sections),
		"contact_fields", len(doc.Contact),
		"raw_bytes", len(doc.RawText),
	)
	return doc
}

// splitHeaderRegion decides how much of the pre-header text is genuinely
// a contact/header block. Without a contact signal (name-shaped first
// line, email, or phone) nothing is claimed and it all falls through to
// the raw fallback.
func (n *Normalizer) splitHeaderRegion(lines []string) (head, rest []string) {
	compact := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			compact = append(compact, strings.TrimSpace(l))
		}
	}
	if len(compact) == 0 {
		return nil, nil
	}

	limit := headerRegionMaxLines
	if len(compact) < limit {
		limit = len(compact)
	}
	candidate := compact[:limit]

	signal := reNameLine.MatchString(candidate[0])
	for _, l := range candidate {
		if reEmail.MatchString(l) || rePhone.MatchString(l) {
			signal = true
		}
	}
	if !signal {
		return nil, compact
	}
	return candidate, compact[limit:]
}

func (n *Normalizer) fillContact(doc *CanonicalDoc, head []string) {
	if m := reNameLine.FindStringSubmatch(head[0]); m != nil {
		doc.Contact["name"] = m[1]
	}
	joined := strings.Join(head, "\n")
	if m := reEmail.FindString(joined); m != "" {
		doc.Contact["email"] = m
	}
	if m := rePhone.FindString(joined); m != "" {
		doc.Contact["phone"] = strings.TrimSpace(m)
	}
	if m := reLink.FindString(joined); m != "" {
		doc.Contact["link"] = m
	}
}

func (d *CanonicalDoc) appendBlock(section, block string) {
	block = strings.TrimSpace(block)
	if block == "" {
		return
	}
	if _, seen := d.Sections[section]; !seen {
		d.SectionOrder = append(d.SectionOrder, section)
	}
	d.Sections[section] = append(d.Sections[section], block)
}

// splitBlocks groups consecutive non-blank lines into blocks.
func splitBlocks(lines []string) []string {
	var blocks []string
	var cur []string
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			if len(cur) > 0 {
				blocks = append(blocks, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, strings.TrimRight(l, " "))
	}
	if len(cur) > 0 {
		blocks = append(blocks, strings.Join(cur, "\n"))
	}
	return blocks
}
