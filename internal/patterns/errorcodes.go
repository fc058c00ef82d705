package patterns

import (
	"regexp"
	"sort"
	"strings"

	"github.com/krai-tech/krai-engine/internal/storage"
)

// ErrorCodeMatch is one error code recognized in text, with the
// surrounding prose split into description and solution.
type ErrorCodeMatch struct {
	Code               string
	Description        string
	Solution           string
	Confidence         float64
	Severity           storage.Severity
	ExtractionMethod   string
	RequiresTechnician bool
	RequiresParts      bool
	Offset             int
}

const contextWindow = 300

var (
	solutionLeadRe = regexp.MustCompile(`^(?i)(replace|check|clean|reset|remove|reinstall|re-?seat|contact|turn|power|verify|inspect|ensure|call|open|close|install)\b`)
	sentenceSplit  = regexp.MustCompile(`(?m)([.!?])(?:\s+|$)`)

	criticalSeverityRe = regexp.MustCompile(`(?i)\b(fire|smoke|electric shock|hazard|burn|safety)\b`)
	highSeverityRe     = regexp.MustCompile(`(?i)\b(fus(?:er|ing)|main motor|power supply|system halt|fatal|cannot (?:print|start)|service call|replace immediately|laser|abnormalit(?:y|ies))\b`)
	lowSeverityRe      = regexp.MustCompile(`(?i)\b(notice|information|hint|reminder|warming up)\b`)

	technicianRe = regexp.MustCompile(`(?i)\b(technician|service call|field service|authori[sz]ed service|contact (?:service|support)|certified engineer)\b`)
	partsRe      = regexp.MustCompile(`(?i)\b(replace|new part|install(?:ing)? (?:a |the )?new|part\s*(?:no|number|#)|spare)\b`)
)

// ExtractErrorCodes applies a manufacturer's error-code patterns to text.
// One match per distinct code is returned, keeping the highest-confidence
// pattern and the longest description, ordered by first occurrence. Dashed
// and plain spellings of the same code (C-2557 vs C2557) collapse into one.
func ExtractErrorCodes(mp *ManufacturerPatterns, text string) []ErrorCodeMatch {
	best := make(map[string]*ErrorCodeMatch)

	for _, pat := range mp.ErrorCodes {
		for _, loc := range pat.Re.FindAllStringSubmatchIndex(text, -1) {
			// Group 1 is the code itself.
			start, end := loc[2], loc[3]
			code := text[start:end]

			m := ErrorCodeMatch{
				Code:             code,
				Confidence:       pat.Confidence,
				ExtractionMethod: "pattern:" + pat.Name,
				Offset:           start,
			}
			m.Description, m.Solution = splitContext(text, end)
			scope := m.Description + " " + m.Solution
			m.Severity = InferSeverity(scope)
			m.RequiresTechnician = technicianRe.MatchString(scope)
			m.RequiresParts = partsRe.MatchString(scope)

			key := strings.ReplaceAll(code, "-", "")
			prev, seen := best[key]
			if !seen || betterMatch(&m, prev) {
				if seen && m.Offset > prev.Offset {
					m.Offset = prev.Offset
				}
				best[key] = &m
			}
		}
	}

	matches := make([]ErrorCodeMatch, 0, len(best))
	for _, m := range best {
		matches = append(matches, *m)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Offset < matches[j].Offset })
	return matches
}

// betterMatch prefers higher confidence, then more captured prose.
func betterMatch(a, b *ErrorCodeMatch) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	return len(a.Description)+len(a.Solution) > len(b.Description)+len(b.Solution)
}

// splitContext reads the prose after a code match and splits it into a
// description and a solution. Sentences opening with an imperative repair
// verb count as solution; the rest as description. A code whose entire
// context is the repair instruction keeps it as both.
func splitContext(text string, from int) (description, solution string) {
	rest := text[from:]
	if len(rest) > contextWindow {
		rest = rest[:contextWindow]
	}
	rest = strings.TrimLeft(rest, ":-– \t")

	sentences := splitSentences(rest)
	if len(sentences) > 3 {
		sentences = sentences[:3]
	}

	var descParts, solParts []string
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if solutionLeadRe.MatchString(s) {
			solParts = append(solParts, s)
		} else {
			descParts = append(descParts, s)
		}
	}

	description = strings.Join(descParts, " ")
	solution = strings.Join(solParts, " ")
	if description == "" && solution != "" {
		description = solution
	}
	return description, solution
}

// splitSentences breaks prose on sentence terminators, keeping them.
func splitSentences(s string) []string {
	var out []string
	prev := 0
	for _, loc := range sentenceSplit.FindAllStringIndex(s, -1) {
		out = append(out, s[prev:loc[0]+1])
		prev = loc[1]
	}
	if prev < len(s) {
		out = append(out, s[prev:])
	}
	return out
}

// InferSeverity ranks an error code by its surrounding prose. Unmatched
// descriptions default to medium: an error code in a service manual is a
// fault until shown otherwise.
func InferSeverity(description string) storage.Severity {
	switch {
	case criticalSeverityRe.MatchString(description):
		return storage.SeverityCritical
	case highSeverityRe.MatchString(description):
		return storage.SeverityHigh
	case lowSeverityRe.MatchString(description):
		return storage.SeverityLow
	default:
		return storage.SeverityMedium
	}
}
