// Package llm provides clients for text-generation inference servers.
package llm

import "context"

// Generator produces free text for a rendered prompt.
type Generator interface {
	Generate(ctx context.Context, prompt, model string) (string, error)
}
