package patterns

import (
	"regexp"
	"sort"
	"strings"
)

// Product mentions come in two shapes: branded ("bizhub 454", "AccurioPress
// C4080") and bare model numbers ("C4080"). Both feed the related_products
// context fields.
var (
	brandedProductRe = regexp.MustCompile(`\b(?:bizhub|AccurioPress|AccurioPrint|imageRUNNER(?:\s+ADVANCE)?|imagePRESS|LaserJet(?:\s+(?:Pro|Enterprise|Managed))?|OfficeJet|TASKalfa|Taskalfa|ECOSYS|WorkCentre|VersaLink)\s+[A-Z]?\d{3,4}[a-z]{0,3}\b`)
	bareModelRe      = regexp.MustCompile(`\b[A-Z]\d{3,4}[a-z]{0,2}\b`)

	versionRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bversion[:\s]+v?(\d+(?:\.\d+){0,3})`),
		regexp.MustCompile(`(?i)\brev(?:ision)?\.?[:\s]+([A-Z0-9]+(?:\.[0-9]+)*)`),
		regexp.MustCompile(`(?i)\bedition[:\s]+(\d{1,2})\b`),
		regexp.MustCompile(`\bv(\d+\.\d+(?:\.\d+)?)\b`),
	}
)

// defaultCatalogue backs the package-level helpers.
var defaultCatalogue = Default()

type productHit struct {
	name   string
	offset int
}

// FindProducts returns the distinct product mentions in text in order of
// appearance. Bare model numbers already covered by a branded mention are
// not repeated.
func FindProducts(text string) []string {
	var hits []productHit
	seen := make(map[string]bool)

	add := func(name string, offset int) {
		key := strings.ToLower(name)
		if seen[key] {
			return
		}
		seen[key] = true
		hits = append(hits, productHit{name: name, offset: offset})
	}

	for _, loc := range brandedProductRe.FindAllStringIndex(text, -1) {
		add(text[loc[0]:loc[1]], loc[0])
	}
	for _, loc := range bareModelRe.FindAllStringIndex(text, -1) {
		name := text[loc[0]:loc[1]]
		if coveredByBranded(name, hits) {
			continue
		}
		add(name, loc[0])
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].offset < hits[j].offset })
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.name
	}
	return out
}

func coveredByBranded(bare string, hits []productHit) bool {
	lower := strings.ToLower(bare)
	for _, h := range hits {
		if strings.HasSuffix(strings.ToLower(h.name), lower) {
			return true
		}
	}
	return false
}

// FindErrorCodeRefs returns distinct generic-shape error codes mentioned
// in text, for the related_error_codes context fields.
func FindErrorCodeRefs(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, pat := range defaultCatalogue.Generic().ErrorCodes {
		for _, m := range pat.Re.FindAllStringSubmatch(text, -1) {
			code := m[1]
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	return out
}

// ExtractVersion returns the best version string found in text: patterns
// are tried in priority order and the first hit wins.
func ExtractVersion(text string) string {
	for _, re := range versionRes {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}
