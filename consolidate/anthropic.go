package consolidate

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/engramlabs/engram-go/core"
)

const summarizerSystemPrompt = "You distill agent task traces into short, reusable engineering insights. " +
	"Reply with 1-3 plain sentences describing the recurring pattern. No preamble, no markdown."

// AnthropicSummarizer asks Claude to phrase a cluster of episodes as a
// concise, generalized insight. Optional: configure it only when an API
// key is available; the template summarizer remains the fallback.
type AnthropicSummarizer struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicSummarizer wraps an Anthropic client. An empty model falls
// back to a small default suited for summarization.
func NewAnthropicSummarizer(client *anthropic.Client, model string) *AnthropicSummarizer {
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	return &AnthropicSummarizer{client: client, model: model, maxTokens: 300}
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, category string, episodes []*core.EpisodeTrace) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: summarizerSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(s.prompt(category, episodes))),
		},
	}
	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return "", fmt.Errorf("empty summarizer response")
	}
	return out, nil
}

func (s *AnthropicSummarizer) prompt(category string, episodes []*core.EpisodeTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Category: %s\n%d similar task executions:\n", category, len(episodes))
	for i, ep := range episodes {
		fmt.Fprintf(&b, "\n#%d goal: %s\noutcome: %s\n", i+1, headline(ep.Goal), ep.Outcome)
		if len(ep.Actions) > 0 {
			fmt.Fprintf(&b, "actions: %s\n", strings.Join(ep.Actions, "; "))
		}
		if ep.ErrorDetail != "" {
			fmt.Fprintf(&b, "error: %s\n", headline(ep.ErrorDetail))
		}
	}
	b.WriteString("\nState the generalized insight.")
	return b.String()
}
