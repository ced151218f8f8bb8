// Package llmtest provides a scripted llm.Model for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/joescharf/sitedit/internal/llm"
)

// Turn is the event sequence returned for one model call.
type Turn []llm.Event

// Model replays one Turn per Stream call and records every request.
type Model struct {
	mu       sync.Mutex
	turns    []Turn
	requests []llm.Request

	// Hook, if set, runs at the start of every Stream call with the call index.
	Hook func(call int)
}

// New returns a model that replays turns in order.
func New(turns ...Turn) *Model {
	return &Model{turns: turns}
}

// Stream returns the next scripted turn. Requests beyond the script get a
// bare turn stop.
func (m *Model) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, req)
	var turn Turn
	if call < len(m.turns) {
		turn = m.turns[call]
	} else {
		turn = Turn{{Type: llm.EventTurnStop, StopReason: "end_turn"}}
	}
	hook := m.Hook
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return &stream{ctx: ctx, events: turn, pos: -1}, nil
}

// Requests returns the requests received so far.
func (m *Model) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

type stream struct {
	ctx    context.Context
	events []llm.Event
	pos    int
	err    error
}

func (s *stream) Next() bool {
	if err := s.ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.pos++
	return s.pos < len(s.events)
}

func (s *stream) Event() llm.Event { return s.events[s.pos] }
func (s *stream) Err() error       { return s.err }
func (s *stream) Close() error     { return nil }

// Text returns the events of a text block containing chunks.
func Text(chunks ...string) Turn {
	var t Turn
	for _, c := range chunks {
		t = append(t, llm.Event{Type: llm.EventTextDelta, Text: c})
	}
	return append(t, llm.Event{Type: llm.EventTextStop})
}

// ToolCall returns the events of a tool_use block whose JSON arguments are
// split across two deltas.
func ToolCall(id, name string, input any) Turn {
	data, err := json.Marshal(input)
	if err != nil {
		panic(err)
	}
	half := len(data) / 2
	return Turn{
		{Type: llm.EventToolStart, ToolID: id, ToolName: name},
		{Type: llm.EventToolDelta, PartialJSON: string(data[:half])},
		{Type: llm.EventToolDelta, PartialJSON: string(data[half:])},
		{Type: llm.EventToolStop},
	}
}

// Stop ends a turn with reason.
func Stop(reason string) Turn {
	return Turn{{Type: llm.EventTurnStop, StopReason: reason}}
}

// Join concatenates event sequences into one turn.
func Join(parts ...Turn) Turn {
	var t Turn
	for _, p := range parts {
		t = append(t, p...)
	}
	return t
}
