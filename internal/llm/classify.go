package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Classification is the structured answer of the document classification
// prompt. Confidence is clamped to [0,1].
type Classification struct {
	DocumentType string   `json:"document_type"`
	Manufacturer string   `json:"manufacturer"`
	Series       string   `json:"series"`
	Models       []string `json:"models"`
	Options      []string `json:"options"`
	Version      string   `json:"version"`
	Confidence   float64  `json:"confidence"`
	Language     string   `json:"language"`
}

// DegradedClassification is used when the model server is unreachable.
// Downstream stages accept manufacturer AUTO and resolve it later.
func DegradedClassification() *Classification {
	return &Classification{
		DocumentType: "unknown",
		Manufacturer: "AUTO",
		Confidence:   0,
	}
}

const classificationPromptTemplate = `You are a technical documentation classifier for printer, copier and multifunction device manuals.

Analyze the following excerpt from the first pages of a document and answer with a single JSON object, no prose, using exactly these keys:

{
  "document_type": "service_manual" | "parts_catalog" | "user_guide" | "technical_bulletin" | "cpmd_database" | "unknown",
  "manufacturer": "<brand name, e.g. HP, Konica Minolta, Canon, Lexmark, or AUTO if unclear>",
  "series": "<product series name or empty string>",
  "models": ["<model number>", ...],
  "options": ["<option or accessory model>", ...],
  "version": "<document version or edition string, or empty>",
  "confidence": <number between 0 and 1>,
  "language": "<two-letter ISO code, e.g. en, de>"
}

Rules:
- models are concrete device model numbers (e.g. "X580", "bizhub C258"), not series names.
- options are add-on units (finishers, feeders, trays) mentioned as compatible.
- confidence reflects how certain you are about manufacturer and document_type together.
- If the text is not a technical device document, use document_type "unknown" and confidence below 0.3.

Document excerpt:
---
%s
---`

// ClassifyDocument runs the classification prompt over the given page text.
// The model answer is parsed leniently: markdown code fences are stripped and
// a JSON object is located inside surrounding prose. An unparsable answer
// yields document_type "unknown" with confidence 0 and no error, so the
// caller can persist the degraded result instead of failing the stage.
func (c *Client) ClassifyDocument(ctx context.Context, pagesText string) (*Classification, error) {
	prompt := fmt.Sprintf(classificationPromptTemplate, truncateForPrompt(pagesText, 12000))

	answer, err := c.GenerateJSON(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("classification request: %w", err)
	}

	cls, ok := ParseClassification(answer)
	if !ok {
		c.log.Warn().Str("answer_prefix", truncateForPrompt(answer, 120)).
			Msg("unparsable classification answer, recording unknown")
	}
	return cls, nil
}

// ParseClassification extracts a Classification from a raw model answer.
// The boolean reports whether the answer actually parsed; on failure the
// returned value is the unknown/zero-confidence record.
func ParseClassification(answer string) (*Classification, bool) {
	raw := extractJSONObject(stripCodeFences(answer))
	if raw == "" {
		return &Classification{DocumentType: "unknown", Confidence: 0}, false
	}

	var cls Classification
	if err := json.Unmarshal([]byte(raw), &cls); err != nil {
		return &Classification{DocumentType: "unknown", Confidence: 0}, false
	}

	if cls.DocumentType == "" {
		cls.DocumentType = "unknown"
	}
	if cls.Manufacturer == "" {
		cls.Manufacturer = "AUTO"
	}
	if cls.Confidence < 0 {
		cls.Confidence = 0
	}
	if cls.Confidence > 1 {
		cls.Confidence = 1
	}
	return &cls, true
}

// stripCodeFences removes a surrounding markdown code fence, with or without
// a language tag, from a model answer.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		// Drop the language tag line (e.g. "json").
		first := strings.TrimSpace(s[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractJSONObject returns the first balanced {...} object in s, or "".
func extractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

func truncateForPrompt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
