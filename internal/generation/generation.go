// Package generation defines the image generation provider boundary.
package generation

import "context"

// Request describes one provider call. Count asks for that many images of
// the same prompt in a single call.
type Request struct {
	Prompt  string
	Model   string
	Size    string
	Quality string
	Style   string
	Count   int
}

// Image is one generated output.
type Image struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// Generator is implemented by image providers. Implementations return a
// *ProviderError for upstream failures so callers can distinguish them from
// transport problems.
type Generator interface {
	Generate(ctx context.Context, req Request) ([]Image, error)
}

// ProviderError is a failure reported by the upstream provider.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return e.Message
}
