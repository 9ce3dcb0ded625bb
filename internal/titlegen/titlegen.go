// Package titlegen generates short human-readable titles for worker
// sessions from their dispatch prompt and produced diff, using a cheap LLM
// call. Title generation is an optional convenience: with no provider
// configured every method degrades to a no-op.
package titlegen

import (
	"context"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/forgecore/workerd/internal/diffstore"
)

// Generator produces a session title from its provider. A zero-value
// Generator (or one built with an unknown/unconfigured provider) is a safe
// no-op: Generate always returns "".
type Generator struct {
	provider genai.Provider
}

// New builds a Generator from provider/model config strings. Returns a
// no-op Generator if providerName is empty or initialization fails, rather
// than an error, since title generation is never load-bearing.
func New(ctx context.Context, providerName, model string) *Generator {
	if providerName == "" {
		return &Generator{}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for title generation", "provider", providerName)
		return &Generator{}
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for title generation", "provider", providerName, "err", err)
		return &Generator{}
	}
	slog.Info("title generation enabled", "provider", providerName, "model", p.ModelID())
	return &Generator{provider: p}
}

const systemPrompt = "Summarize this AI coding worker's task in 3-8 words as a short title. Reply with ONLY the title, no quotes."

// Generate asks the LLM for a short title summarizing prompt and the diff it
// produced (diff may be nil if the worker hasn't completed yet). Returns ""
// on failure or if the Generator is unconfigured; callers should treat that
// as "no title available" rather than an error.
func (g *Generator) Generate(ctx context.Context, prompt string, diff *diffstore.Diff) string {
	if g.provider == nil {
		return ""
	}
	input := "Prompt: " + prompt
	if diff != nil {
		summary := summarizeDiff(*diff)
		if summary != "" {
			input += "\n" + summary
		}
	}
	if len(input) > 2000 {
		input = input[:2000]
	}

	res, err := g.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(input)},
		&genai.GenOptionText{
			SystemPrompt: systemPrompt,
			MaxTokens:    64,
			Temperature:  0.3,
		},
	)
	if err != nil {
		slog.Warn("title generation LLM call failed", "err", err)
		return ""
	}
	title := strings.TrimSpace(res.String())
	title = strings.Trim(title, "\"'`")
	return title
}

// summarizeDiff renders a diff's file stats as compact text for the LLM
// prompt, without including the full patch body.
func summarizeDiff(d diffstore.Diff) string {
	if len(d.FileStats) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Changed files:")
	for _, fs := range d.FileStats {
		b.WriteByte(' ')
		b.WriteString(fs.Path)
	}
	return b.String()
}
