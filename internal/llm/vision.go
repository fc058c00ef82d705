package llm

import (
	"context"
)

const technicalImagePrompt = `Describe this image from a technical service document in 2-4 sentences.

Focus on:
- What the image shows (part, assembly, control panel, wiring, procedure step).
- Any visible labels, part numbers, error codes or callout numbers.
- Whether it is a photo, line drawing, exploded diagram or screenshot.

Answer with plain prose, no markdown.`

// AnalyzeTechnicalImage runs the standard service-document prompt against
// the vision model for an extracted page image.
func (c *Client) AnalyzeTechnicalImage(ctx context.Context, imagePNG []byte) (string, error) {
	return c.Analyze(ctx, imagePNG, technicalImagePrompt)
}

