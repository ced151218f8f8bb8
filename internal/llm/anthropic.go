package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/joescharf/sitedit/internal/models"
)

// DefaultMaxTokens bounds a single model response.
const DefaultMaxTokens = 4096

// Client wraps the Anthropic Messages API.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string, maxTokens int64) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

// Stream starts a streamed Messages call.
func (c *Client) Stream(ctx context.Context, req Request) (Stream, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages:  toMessageParams(req.Messages),
		Tools:     toToolParams(req.Tools),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return &anthropicStream{s: c.api.Messages.NewStreaming(ctx, params)}, nil
}

func toToolParams(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Properties,
				Required:   t.Required,
			},
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}

func toMessageParams(msgs []models.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case models.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case models.BlockToolUse:
				var input any = map[string]any{}
				if len(b.Input) > 0 {
					input = b.Input
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, input, b.ToolName))
			case models.BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// anthropicStream translates SDK stream events into Events. Block types
// are remembered by index so a content_block_stop maps to the right kind.
type anthropicStream struct {
	s      *ssestream.Stream[anthropic.MessageStreamEventUnion]
	blocks map[int64]string
	cur    Event
}

func (a *anthropicStream) Next() bool {
	if a.blocks == nil {
		a.blocks = make(map[int64]string)
	}
	for a.s.Next() {
		if ev, ok := a.translate(a.s.Current()); ok {
			a.cur = ev
			return true
		}
	}
	return false
}

func (a *anthropicStream) translate(event anthropic.MessageStreamEventUnion) (Event, bool) {
	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		switch block := ev.ContentBlock.AsAny().(type) {
		case anthropic.ToolUseBlock:
			a.blocks[ev.Index] = "tool_use"
			return Event{Type: EventToolStart, Index: int(ev.Index), ToolID: block.ID, ToolName: block.Name}, true
		case anthropic.TextBlock:
			a.blocks[ev.Index] = "text"
			if block.Text != "" {
				return Event{Type: EventTextDelta, Index: int(ev.Index), Text: block.Text}, true
			}
		}
	case anthropic.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return Event{Type: EventTextDelta, Index: int(ev.Index), Text: delta.Text}, true
		case anthropic.InputJSONDelta:
			return Event{Type: EventToolDelta, Index: int(ev.Index), PartialJSON: delta.PartialJSON}, true
		}
	case anthropic.ContentBlockStopEvent:
		kind := a.blocks[ev.Index]
		delete(a.blocks, ev.Index)
		switch kind {
		case "tool_use":
			return Event{Type: EventToolStop, Index: int(ev.Index)}, true
		case "text":
			return Event{Type: EventTextStop, Index: int(ev.Index)}, true
		}
	case anthropic.MessageDeltaEvent:
		if ev.Delta.StopReason != "" {
			return Event{Type: EventTurnStop, StopReason: string(ev.Delta.StopReason)}, true
		}
	}
	return Event{}, false
}

func (a *anthropicStream) Event() Event { return a.cur }

func (a *anthropicStream) Err() error {
	if err := a.s.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func (a *anthropicStream) Close() error { return a.s.Close() }

// buildSummaryPrompt constructs the system and user prompts for change summaries.
func buildSummaryPrompt(transcript []models.Message, diffStat string) (system string, user string) {
	system = `You write the description of a website change request for an admin reviewer. Given the conversation between a user and an editing assistant, and a stat of the files changed, return ONE plain sentence (at most 120 characters) describing what changed.

Rules:
- Describe the change, not the conversation
- No markdown, quotes, or trailing period`

	var sb strings.Builder
	sb.WriteString("Conversation:\n")
	for _, m := range transcript {
		text := strings.TrimSpace(m.Text())
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, text)
	}
	if diffStat != "" {
		sb.WriteString("\nFiles changed:\n")
		sb.WriteString(diffStat)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// Summarize asks the model for a one-line description of a change-set.
func (c *Client) Summarize(ctx context.Context, transcript []models.Message, diffStat string) (string, error) {
	systemPrompt, userPrompt := buildSummaryPrompt(transcript, diffStat)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 256,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	text = cleanSummary(text)
	if text == "" {
		return "", fmt.Errorf("no text content in API response")
	}
	return text, nil
}

// cleanSummary strips fencing, quotes and extra lines from a model summary.
func cleanSummary(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.Trim(text, "\"' ")
	return strings.TrimSuffix(text, ".")
}
