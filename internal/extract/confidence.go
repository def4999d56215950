package extract

import (
	"regexp"
	"strings"
)

var (
	reEmail = regexp.MustCompile(`\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)
	rePhone = regexp.MustCompile(`(\+?\d[\d\s().-]{7,}\d)`)
	reYear  = regexp.MustCompile(`\b(19|20)\d{2}\b`)
)

var reBoxNoise = regexp.MustCompile(`(?m)^\s*[_\-]{3,}\s*$`)

func hasEmailPattern(s string) bool { return reEmail.MatchString(s) }
func hasPhonePattern(s string) bool { return rePhone.MatchString(s) }
func hasYearPattern(s string) bool  { return reYear.MatchString(s) }

// naive heuristic confidence based on decoded text characteristics
func heuristicConfidence(txt string) float32 {
	// very simple: boost if we see common resume artifacts
	// (email-ish, phone-ish, year-ish). Each adds a little.
	txtL := strings.ToLower(txt)
	score := float32(0.2) // base
	if hasEmailPattern(txtL) {
		score += 0.2
	}
	if hasPhonePattern(txtL) {
		score += 0.15
	}
	if hasYearPattern(txtL) {
		score += 0.15
	}
	if len(txt) > 200 {
		score += 0.1
	} // enough content
	if score > 1.0 {
		score = 1.0
	}
	return score
}
