package document

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultBaselineCharsPerPage is the text volume a fully legible page is
	// expected to yield.
	DefaultBaselineCharsPerPage = 1500

	minConfidence = 0.1
	maxConfidence = 1.0

	// artifact runs count this many times their length against the text
	artifactWeight    = 5
	symbolRunMin      = 3
	digitRunMin       = 16
	structuredScore   = 0.9
	unstructuredScore = 0.5
)

// Confidence scores extracted text in [0.1, 1]:
// 0.5*lengthAdequacy + 0.3*artifactFreedom + 0.2*structuralPresence.
func Confidence(text string, pageCount, baselineCharsPerPage int) float64 {
	if pageCount < 1 {
		pageCount = 1
	}
	if baselineCharsPerPage <= 0 {
		baselineCharsPerPage = DefaultBaselineCharsPerPage
	}
	text = strings.TrimSpace(text)
	chars := utf8.RuneCountInString(text)

	lengthAdequacy := math.Min(1, float64(chars)/float64(baselineCharsPerPage*pageCount))
	artifactFreedom := 1 - math.Min(1, artifactDensity(text))
	structural := unstructuredScore
	if strings.Contains(text, "\n\n") {
		structural = structuredScore
	}

	score := 0.5*lengthAdequacy + 0.3*artifactFreedom + 0.2*structural
	return math.Max(minConfidence, math.Min(maxConfidence, score))
}

// artifactDensity is the weighted share of runes that sit in OCR noise:
// control characters, runs of unusual symbols and implausibly long digit runs.
func artifactDensity(text string) float64 {
	total := utf8.RuneCountInString(text)
	if total == 0 {
		return 0
	}

	artifacts := 0
	symbolRun, digitRun := 0, 0
	flush := func() {
		if symbolRun >= symbolRunMin {
			artifacts += symbolRun
		}
		if digitRun >= digitRunMin {
			artifacts += digitRun
		}
		symbolRun, digitRun = 0, 0
	}

	for _, r := range text {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			flush()
		case unicode.IsControl(r) || r == utf8.RuneError:
			flush()
			artifacts++
		case unicode.IsDigit(r):
			if symbolRun > 0 {
				flush()
			}
			digitRun++
		case isUnusualSymbol(r):
			if digitRun > 0 {
				flush()
			}
			symbolRun++
		default:
			flush()
		}
	}
	flush()

	return float64(artifacts*artifactWeight) / float64(total)
}

func isUnusualSymbol(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
		return false
	}
	return !strings.ContainsRune(".,;:!?'\"()-/%&$€£§", r)
}
