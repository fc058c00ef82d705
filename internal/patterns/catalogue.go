// Package patterns holds the manufacturer-aware regex catalogue used to
// recognize error codes, part numbers, product models and series families
// in technical service documents.
package patterns

import (
	"regexp"
	"strings"
)

// ErrorCodePattern binds one error-code regex to its confidence and name.
type ErrorCodePattern struct {
	Name       string
	Re         *regexp.Regexp
	Confidence float64
}

// PartPattern recognizes one part-number shape.
type PartPattern struct {
	Name string
	Re   *regexp.Regexp
}

// SeriesPattern maps a model number to its series family. Series and
// ModelPattern are expansion templates over the regex's capture groups.
type SeriesPattern struct {
	Re           *regexp.Regexp
	Series       string
	ModelPattern string
}

// ManufacturerPatterns is the pattern set for one manufacturer.
type ManufacturerPatterns struct {
	Name       string
	ErrorCodes []ErrorCodePattern
	Parts      []PartPattern
	Series     []SeriesPattern
}

// Catalogue resolves manufacturer names to their pattern sets. Unknown or
// AUTO manufacturers fall back to the generic set, which unions the common
// shapes so extraction still works before classification has run.
type Catalogue struct {
	byName  map[string]*ManufacturerPatterns
	generic *ManufacturerPatterns
}

// Lookup returns the pattern set for a manufacturer name. Matching is
// case-insensitive and tolerant of common aliases.
func (c *Catalogue) Lookup(manufacturer string) *ManufacturerPatterns {
	key := normalizeManufacturer(manufacturer)
	if mp, ok := c.byName[key]; ok {
		return mp
	}
	return c.generic
}

// Generic returns the fallback pattern set.
func (c *Catalogue) Generic() *ManufacturerPatterns {
	return c.generic
}

func normalizeManufacturer(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "hp", "hewlett-packard", "hewlett packard":
		return "hp"
	case "konica minolta", "konica", "minolta", "km":
		return "konica minolta"
	case "canon":
		return "canon"
	case "lexmark":
		return "lexmark"
	case "kyocera", "kyocera mita":
		return "kyocera"
	case "ricoh":
		return "ricoh"
	default:
		return key
	}
}

// Default builds the built-in catalogue.
func Default() *Catalogue {
	hp := &ManufacturerPatterns{
		Name: "HP",
		ErrorCodes: []ErrorCodePattern{
			{Name: "hp_numeric", Re: regexp.MustCompile(`\b(\d{2}\.\d{2}(?:\.\d{2})?)\b`), Confidence: 0.9},
			{Name: "hp_event", Re: regexp.MustCompile(`\b(4[19]\.[0-9A-F]{2}\.[0-9A-F]{2})\b`), Confidence: 0.95},
		},
		Parts: []PartPattern{
			{Name: "hp_rm", Re: regexp.MustCompile(`\b(R[MGC]\d-\d{4}(?:-\d{3})?)\b`)},
			{Name: "hp_consumable", Re: regexp.MustCompile(`\b(C[EBF]\d{3}[A-Z])\b`)},
			{Name: "hp_q", Re: regexp.MustCompile(`\b(Q\d{4}[A-Z])\b`)},
		},
		Series: []SeriesPattern{
			{Re: regexp.MustCompile(`^M(\d)\d{2}$`), Series: "LaserJet M${1}00 Series", ModelPattern: `M${1}\d{2}`},
			{Re: regexp.MustCompile(`^E(\d)\d{4}$`), Series: "LaserJet E${1}0000 Series", ModelPattern: `E${1}\d{4}`},
		},
	}

	konicaMinolta := &ManufacturerPatterns{
		Name: "Konica Minolta",
		ErrorCodes: []ErrorCodePattern{
			{Name: "km_c_code", Re: regexp.MustCompile(`\b(C-\d{4})\b`), Confidence: 0.95},
			{Name: "km_c_plain", Re: regexp.MustCompile(`\b(C\d{4})\b`), Confidence: 0.75},
			{Name: "km_jam", Re: regexp.MustCompile(`\b(J-?\d{2}-\d{2})\b`), Confidence: 0.85},
		},
		Parts: []PartPattern{
			{Name: "km_full", Re: regexp.MustCompile(`\b(A[0-9A-Z]{3}-?R\d{3}-?\d{2})\b`)},
			{Name: "km_short", Re: regexp.MustCompile(`\b(A[0-9A-Z]{3}-\d{4})\b`)},
		},
		Series: []SeriesPattern{
			{Re: regexp.MustCompile(`^(?:bizhub\s+)?C(\d)\d{2}$`), Series: "bizhub C${1}xx Series", ModelPattern: `C${1}\d{2}`},
			{Re: regexp.MustCompile(`^(?:bizhub\s+)?(\d)\d{2}$`), Series: "bizhub ${1}xx Series", ModelPattern: `${1}\d{2}`},
			{Re: regexp.MustCompile(`^(?:AccurioPress\s+)?C(\d{2})\d{2}$`), Series: "AccurioPress C${1}00 Series", ModelPattern: `C${1}\d{2}`},
		},
	}

	canon := &ManufacturerPatterns{
		Name: "Canon",
		ErrorCodes: []ErrorCodePattern{
			{Name: "canon_e_code", Re: regexp.MustCompile(`\b(E\d{3}(?:-\d{4})?)\b`), Confidence: 0.9},
			{Name: "canon_hash", Re: regexp.MustCompile(`(#\d{3})\b`), Confidence: 0.8},
		},
		Parts: []PartPattern{
			{Name: "canon_fm", Re: regexp.MustCompile(`\b(F[MCG]\d-\d{4}(?:-\d{3})?)\b`)},
		},
		Series: []SeriesPattern{
			{Re: regexp.MustCompile(`^C(\d{2})\d{2}$`), Series: "imageRUNNER ADVANCE C${1}xx Series", ModelPattern: `C${1}\d{2}`},
		},
	}

	lexmark := &ManufacturerPatterns{
		Name: "Lexmark",
		ErrorCodes: []ErrorCodePattern{
			{Name: "lexmark_numeric", Re: regexp.MustCompile(`\b(\d{3}\.\d{2}(?:\.\d{2})?)\b`), Confidence: 0.9},
		},
		Parts: []PartPattern{
			{Name: "lexmark_40x", Re: regexp.MustCompile(`\b(4[01]X\d{4})\b`)},
		},
		Series: []SeriesPattern{
			{Re: regexp.MustCompile(`^([CMX])S?(\d)\d{2}$`), Series: "Lexmark ${1}${2}xx Series", ModelPattern: `${1}${2}\d{2}`},
		},
	}

	kyocera := &ManufacturerPatterns{
		Name: "Kyocera",
		ErrorCodes: []ErrorCodePattern{
			{Name: "kyocera_c_code", Re: regexp.MustCompile(`\b(C\d{4})\b`), Confidence: 0.85},
			{Name: "kyocera_cf", Re: regexp.MustCompile(`\b(CF\d{3})\b`), Confidence: 0.8},
		},
		Parts: []PartPattern{
			{Name: "kyocera_part", Re: regexp.MustCompile(`\b(30[0-9A-Z]{8,10})\b`)},
		},
		Series: []SeriesPattern{
			{Re: regexp.MustCompile(`^(?:TASKalfa\s+)?(\d)\d{3}ci?$`), Series: "TASKalfa ${1}xxx Series", ModelPattern: `${1}\d{3}ci`},
		},
	}

	ricoh := &ManufacturerPatterns{
		Name: "Ricoh",
		ErrorCodes: []ErrorCodePattern{
			{Name: "ricoh_sc", Re: regexp.MustCompile(`\b(SC\d{3,4}(?:-\d{2})?)\b`), Confidence: 0.9},
		},
		Parts: []PartPattern{
			{Name: "ricoh_part", Re: regexp.MustCompile(`\b([ABD]\d{3}\d{4})\b`)},
		},
		Series: []SeriesPattern{
			{Re: regexp.MustCompile(`^(?:MP\s+)?C(\d)\d{3}$`), Series: "MP C${1}xxx Series", ModelPattern: `C${1}\d{3}`},
		},
	}

	// The generic set unions the shapes that are unambiguous enough to
	// apply before the manufacturer is known.
	generic := &ManufacturerPatterns{
		Name: "generic",
		ErrorCodes: []ErrorCodePattern{
			{Name: "generic_numeric", Re: regexp.MustCompile(`\b(\d{2,3}\.\d{2}(?:\.\d{2})?)\b`), Confidence: 0.7},
			{Name: "generic_e_code", Re: regexp.MustCompile(`\b(E\d{1,4})\b`), Confidence: 0.6},
			{Name: "generic_c_code", Re: regexp.MustCompile(`\b(C-\d{4})\b`), Confidence: 0.7},
			{Name: "generic_sc", Re: regexp.MustCompile(`\b(SC\d{3,4})\b`), Confidence: 0.65},
		},
		Parts: []PartPattern{
			{Name: "generic_km", Re: regexp.MustCompile(`\b(A[0-9A-Z]{3}-\d{4})\b`)},
			{Name: "generic_hp", Re: regexp.MustCompile(`\b(R[MGC]\d-\d{4}(?:-\d{3})?)\b`)},
			{Name: "generic_canon", Re: regexp.MustCompile(`\b(F[MCG]\d-\d{4}(?:-\d{3})?)\b`)},
			{Name: "generic_lexmark", Re: regexp.MustCompile(`\b(4[01]X\d{4})\b`)},
		},
	}

	c := &Catalogue{
		byName: map[string]*ManufacturerPatterns{
			"hp":             hp,
			"konica minolta": konicaMinolta,
			"canon":          canon,
			"lexmark":        lexmark,
			"kyocera":        kyocera,
			"ricoh":          ricoh,
		},
		generic: generic,
	}
	return c
}

// ExpandSeries resolves the series name and model pattern for a model
// number against one series pattern.
func (p SeriesPattern) ExpandSeries(model string) (seriesName, modelPattern string, ok bool) {
	m := p.Re.FindStringSubmatchIndex(model)
	if m == nil {
		return "", "", false
	}
	seriesName = string(p.Re.ExpandString(nil, p.Series, model, m))
	modelPattern = string(p.Re.ExpandString(nil, p.ModelPattern, model, m))
	return seriesName, modelPattern, true
}
