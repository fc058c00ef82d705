package patterns

import "strings"

// SeriesMatch names the series family a model number belongs to.
type SeriesMatch struct {
	SeriesName   string
	ModelPattern string
}

// DetectSeries resolves a model number to its series using the
// manufacturer's patterns. The model is tried as-is and with a known brand
// prefix stripped, so both "bizhub C258" and "C258" resolve.
func DetectSeries(mp *ManufacturerPatterns, modelNumber string) (SeriesMatch, bool) {
	candidates := []string{strings.TrimSpace(modelNumber)}
	if stripped := stripBrandPrefix(modelNumber); stripped != candidates[0] {
		candidates = append(candidates, stripped)
	}

	for _, candidate := range candidates {
		for _, pat := range mp.Series {
			if seriesName, modelPattern, ok := pat.ExpandSeries(candidate); ok {
				return SeriesMatch{SeriesName: seriesName, ModelPattern: modelPattern}, true
			}
		}
	}
	return SeriesMatch{}, false
}

var brandPrefixes = []string{
	"bizhub", "accuriopress", "accurioprint", "imagerunner advance", "imagerunner",
	"laserjet", "officejet", "taskalfa", "ecosys", "imagepress", "lexmark", "mp",
}

func stripBrandPrefix(model string) string {
	trimmed := strings.TrimSpace(model)
	lower := strings.ToLower(trimmed)
	for _, prefix := range brandPrefixes {
		if strings.HasPrefix(lower, prefix+" ") {
			return strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return trimmed
}
