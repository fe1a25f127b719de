package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/memkeep/memkeep/version"
)

// Extractor splits submitted text into the memories worth keeping.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]string, error)
}

// verbatim keeps the submitted text as a single memory.
type verbatim struct{}

func (verbatim) Extract(_ context.Context, text string) ([]string, error) {
	return []string{text}, nil
}

const extractPrompt = `You extract durable facts about the user from what they said.
Return each fact on its own line, in the third person, with no numbering or commentary.
If nothing is worth remembering, return the input unchanged on a single line.`

const extractMaxTokens = 1024

// claudeExtractor asks Claude to split text into standalone facts.
type claudeExtractor struct {
	client anthropic.Client
	model  string
}

func newClaudeExtractor(cfg Config) *claudeExtractor {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.LLMAPIKey),
		option.WithHeader("User-Agent", version.UserAgent()),
	}
	if cfg.LLMBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.LLMBaseURL))
	}
	return &claudeExtractor{
		client: anthropic.NewClient(opts...),
		model:  cfg.LLMModel,
	}
}

func (c *claudeExtractor) Extract(ctx context.Context, text string) ([]string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: extractMaxTokens,
		System: []anthropic.TextBlockParam{
			{Text: extractPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extract facts: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
			sb.WriteString("\n")
		}
	}

	facts := parseFacts(sb.String())
	if len(facts) == 0 {
		return []string{text}, nil
	}
	return facts, nil
}

// parseFacts splits model output into one fact per non-empty line,
// dropping list markers.
func parseFacts(out string) []string {
	var facts []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = strings.TrimSpace(line)
		if line != "" {
			facts = append(facts, line)
		}
	}
	return facts
}

func newExtractor(cfg Config) Extractor {
	if cfg.LLMProvider == ProviderAnthropic {
		return newClaudeExtractor(cfg)
	}
	return verbatim{}
}
