package patterns

import (
	"regexp"
	"sort"
)

// PartMatch is one part number recognized in text together with the prose
// around it, which drives category classification.
type PartMatch struct {
	PartNumber string
	Context    string
	Category   string
	Offset     int
}

// The category window stays tight: a part mention names its noun phrase
// right next to the number, and a wide window bleeds neighboring parts in.
const partContextRadius = 40

var (
	consumableRe = regexp.MustCompile(`(?i)\b(toner|drum|developer|imaging unit|ink|staple|waste)\b`)
	assemblyRe   = regexp.MustCompile(`(?i)\b(assembly|assy|unit|kit|module)\b`)
	componentRe  = regexp.MustCompile(`(?i)\b(sensor|motor|board|pcb|clutch|solenoid|lamp|thermistor|fan)\b`)
	mechanicalRe = regexp.MustCompile(`(?i)\b(roller|gear|belt|spring|shaft|bushing|pad|blade)\b`)
	electricalRe = regexp.MustCompile(`(?i)\b(cable|harness|connector|wire|fuse|cord)\b`)
)

// ExtractParts applies a manufacturer's part patterns to text, one match
// per distinct part number, ordered by first occurrence.
func ExtractParts(mp *ManufacturerPatterns, text string) []PartMatch {
	seen := make(map[string]*PartMatch)

	for _, pat := range mp.Parts {
		for _, loc := range pat.Re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2], loc[3]
			number := text[start:end]
			if _, dup := seen[number]; dup {
				continue
			}

			context := partContext(text, start, end)
			seen[number] = &PartMatch{
				PartNumber: number,
				Context:    context,
				Category:   ClassifyPartCategory(context),
				Offset:     start,
			}
		}
	}

	matches := make([]PartMatch, 0, len(seen))
	for _, m := range seen {
		matches = append(matches, *m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Offset < matches[j].Offset })
	return matches
}

// ClassifyPartCategory infers a part category from the prose around its
// mention. The first matching family wins; unknown contexts yield "other".
func ClassifyPartCategory(context string) string {
	switch {
	case consumableRe.MatchString(context):
		return "consumable"
	case assemblyRe.MatchString(context):
		return "assembly"
	case componentRe.MatchString(context):
		return "component"
	case mechanicalRe.MatchString(context):
		return "mechanical"
	case electricalRe.MatchString(context):
		return "electrical"
	default:
		return "other"
	}
}

func partContext(text string, start, end int) string {
	lo := start - partContextRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + partContextRadius
	if hi > len(text) {
		hi = len(text)
	}
	return text[lo:hi]
}
