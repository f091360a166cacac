package ocr

import "strings"

// Characters per page below which a transcription is considered sparse.
const sparsePageChars = 200

// EstimateConfidence scores a transcription in [0, 1]. Every [illegible]
// marker costs 0.1 and sparse pages scale the score down.
func EstimateConfidence(markdown string, pages int) float64 {
	if strings.TrimSpace(markdown) == "" {
		return 0
	}
	if pages < 1 {
		pages = 1
	}

	score := 1.0
	score -= 0.1 * float64(strings.Count(strings.ToLower(markdown), "[illegible]"))

	perPage := float64(len(markdown)) / float64(pages)
	if perPage < sparsePageChars {
		score *= perPage / sparsePageChars
	}

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

var typeKeywords = []struct {
	documentType string
	keywords     []string
}{
	{"engineering_drawing", []string{"drawing no", "drawn by", "scale 1:", "revision", "sheet"}},
	{"purchase_order", []string{"purchase order", "po number", "p.o."}},
	{"invoice", []string{"tax invoice", "invoice", "amount due", "abn"}},
	{"receipt", []string{"receipt", "paid", "change due"}},
	{"contract", []string{"agreement", "hereby", "parties", "termination"}},
	{"scanned_form", []string{"[ ]", "[x]", "signature:"}},
}

// DetectType guesses the document type by keyword hits. Ties go to the
// earlier entry in the keyword table; no hits means "other".
func DetectType(markdown string) string {
	lower := strings.ToLower(markdown)
	best, bestHits := "other", 0
	for _, entry := range typeKeywords {
		hits := 0
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = entry.documentType, hits
		}
	}
	return best
}
