package llm

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sitedit/internal/models"
)

func TestBuildSummaryPrompt(t *testing.T) {
	transcript := []models.Message{
		models.NewTextMessage(models.RoleUser, "add a footer"),
		{Role: models.RoleAssistant, Content: []models.ContentBlock{{Type: models.BlockToolUse, ToolName: "Write"}}},
		models.NewTextMessage(models.RoleAssistant, "Done, footer added."),
	}
	system, user := buildSummaryPrompt(transcript, " index.html | 2 +-")

	assert.Contains(t, system, "ONE plain sentence")
	assert.Contains(t, user, "user: add a footer")
	assert.Contains(t, user, "assistant: Done, footer added.")
	assert.Contains(t, user, "index.html | 2 +-")
	assert.Equal(t, 2, strings.Count(user, ": "), "tool-only entries are skipped")
}

func TestCleanSummary(t *testing.T) {
	assert.Equal(t, "Add a footer to the home page", cleanSummary("\"Add a footer to the home page.\"\n"))
	assert.Equal(t, "Fix nav", cleanSummary("```\nFix nav\n```"))
	assert.Equal(t, "First line", cleanSummary("First line\nsecond line"))
	assert.Empty(t, cleanSummary("   "))
}

func TestToMessageParams(t *testing.T) {
	msgs := []models.Message{
		models.NewTextMessage(models.RoleUser, "hi"),
		{Role: models.RoleAssistant, Content: []models.ContentBlock{
			{Type: models.BlockText, Text: "reading"},
			{Type: models.BlockToolUse, ToolUseID: "tu_1", ToolName: "Read", Input: json.RawMessage(`{"file_path":"a.html"}`)},
		}},
		{Role: models.RoleUser, Content: []models.ContentBlock{
			{Type: models.BlockToolResult, ToolUseID: "tu_1", Content: "<p>a</p>"},
		}},
		{Role: models.RoleAssistant, Content: []models.ContentBlock{{Type: models.BlockText}}},
	}
	params := toMessageParams(msgs)
	require.Len(t, params, 3, "messages with no sendable blocks are dropped")

	assert.Equal(t, anthropic.MessageParamRoleUser, params[0].Role)
	assert.Equal(t, anthropic.MessageParamRoleAssistant, params[1].Role)
	require.Len(t, params[1].Content, 2)
	require.NotNil(t, params[1].Content[1].OfToolUse)
	assert.Equal(t, "tu_1", params[1].Content[1].OfToolUse.ID)
	assert.Equal(t, "Read", params[1].Content[1].OfToolUse.Name)
	require.NotNil(t, params[2].Content[0].OfToolResult)
	assert.Equal(t, "tu_1", params[2].Content[0].OfToolResult.ToolUseID)
}

func TestToToolParams(t *testing.T) {
	tools := toToolParams([]Tool{{
		Name:        "Read",
		Description: "Read a file",
		Properties:  map[string]any{"file_path": map[string]any{"type": "string"}},
		Required:    []string{"file_path"},
	}})
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "Read", tools[0].OfTool.Name)
	assert.Equal(t, []string{"file_path"}, tools[0].OfTool.InputSchema.Required)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "tool_delta", EventToolDelta.String())
	assert.Equal(t, "unknown", EventType(99).String())
}
