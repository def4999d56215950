package normalize

import (
	"regexp"
	"strings"
)

// Canonical section names.
const (
	SectionContact         = "contact"
	SectionSummary         = "summary"
	SectionExperience      = "experience"
	SectionEducation       = "education"
	SectionSkills          = "skills"
	SectionCertifications  = "certifications"
	SectionLanguages       = "languages"
	SectionExpertise       = "expertise"
	SectionRecommendations = "recommendations"
)

// sectionAnchors maps header keywords to canonical sections. Order
// matters: the first anchor that matches a header line wins.
var sectionAnchors = []struct {
	section string
	re      *regexp.Regexp
}{
	{SectionSummary, regexp.MustCompile(`(?i)^\s*(professional\s+summary|summary|profile|objective|about\s+me)\s*:?\s*$`)},
	{SectionExperience, regexp.MustCompile(`(?i)^\s*(professional\s+experience|work\s+experience|employment\s+history|experience|work\s+history)\s*:?\s*$`)},
	{SectionEducation, regexp.MustCompile(`(?i)^\s*(education|academic\s+background|qualifications)\s*:?\s*$`)},
	{SectionSkills, regexp.MustCompile(`(?i)^\s*(technical\s+skills|core\s+competencies|skills)\s*:?\s*$`)},
	{SectionCertifications, regexp.MustCompile(`(?i)^\s*(certifications?|licenses?\s*(&|and)?\s*certifications?)\s*:?\s*$`)},
	{SectionLanguages, regexp.MustCompile(`(?i)^\s*languages?\s*:?\s*$`)},
	{SectionExpertise, regexp.MustCompile(`(?i)^\s*areas?\s+of\s+expertise\s*:?\s*$`)},
	{SectionRecommendations, regexp.MustCompile(`(?i)^\s*(recommendations?|areas?\s+for\s+improvement.*)\s*:?\s*$`)},
	{SectionContact, regexp.MustCompile(`(?i)^\s*(contact(\s+(info|information|details))?|personal\s+details)\s*:?\s*$`)},
}

// matchSectionHeader returns the canonical section for a header line, or "".
// Header lines are short; a match inside a paragraph is not a header.
func matchSectionHeader(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > 48 {
		return ""
	}
	for _, a := range sectionAnchors {
		if a.re.MatchString(trimmed) {
			return a.section
		}
	}
	return ""
}

var (
	reEmail    = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	rePhone    = regexp.MustCompile(`(\+?\d[\d\s().-]{7,}\d)`)
	reLink     = regexp.MustCompile(`\b(?:https?://)?(?:www\.)?(?:linkedin\.com|github\.com)/[^\s]+`)
	reNameLine = regexp.MustCompile(`^\s*([A-Z][\w'.-]+(?:\s+[A-Z][\w'.-]+){1,3})\s*(?:[,|–-].*)?$`)
)
