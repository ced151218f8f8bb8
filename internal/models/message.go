package models

import (
	"encoding/json"
	"time"
)

// Role tags a transcript entry with its speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockType identifies the payload carried by a ContentBlock.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one piece of a transcript entry: plain text, a tool
// invocation requested by the model, or the result fed back to it.
type ContentBlock struct {
	Type BlockType `json:"type"`
	Text string    `json:"text,omitempty"`

	// tool_use
	ToolUseID string          `json:"toolUseId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// tool_result (ToolUseID links it to the request)
	Content string `json:"content,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// Message is a role-tagged transcript entry.
type Message struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewTextMessage builds a single-block text message stamped with the current time.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:      role,
		Content:   []ContentBlock{{Type: BlockText, Text: text}},
		Timestamp: time.Now().UTC(),
	}
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}
