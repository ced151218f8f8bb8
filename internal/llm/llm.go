// Package llm is the boundary to the tool-calling model. A Model turns a
// Request into an ordered Stream of Events; the agent never sees the
// provider's wire types.
package llm

import (
	"context"

	"github.com/joescharf/sitedit/internal/models"
)

// EventType enumerates stream events.
type EventType int

const (
	EventTextDelta EventType = iota // Text holds the next fragment
	EventTextStop                   // a text block ended
	EventToolStart                  // ToolID and ToolName open a tool call
	EventToolDelta                  // PartialJSON extends the open call's arguments
	EventToolStop                   // the open tool call is complete
	EventTurnStop                   // the model finished this response
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventTextStop:
		return "text_stop"
	case EventToolStart:
		return "tool_start"
	case EventToolDelta:
		return "tool_delta"
	case EventToolStop:
		return "tool_stop"
	case EventTurnStop:
		return "turn_stop"
	}
	return "unknown"
}

// Event is one element of a model response stream.
type Event struct {
	Type        EventType
	Index       int
	Text        string
	ToolID      string
	ToolName    string
	PartialJSON string
	StopReason  string
}

// Tool describes a callable tool by its JSON-schema object properties.
type Tool struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Request is one model call.
type Request struct {
	System    string
	Tools     []Tool
	Messages  []models.Message
	MaxTokens int64
}

// Stream yields events in order. Next returns false at the end of the
// stream or on error; Err distinguishes the two.
type Stream interface {
	Next() bool
	Event() Event
	Err() error
	Close() error
}

// Model starts streamed responses. Cancelling ctx aborts the stream.
type Model interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Summarizer condenses a conversation into a one-line change description.
type Summarizer interface {
	Summarize(ctx context.Context, transcript []models.Message, diffStat string) (string, error)
}
