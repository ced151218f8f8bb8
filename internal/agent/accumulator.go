package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// toolCall is one complete tool invocation requested by the model.
type toolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
	// ParseErr is set when the streamed arguments were not valid JSON.
	ParseErr error
}

// toolCallAccumulator tracks tool call state during streaming: a call opens
// on start, buffers argument fragments, and is parsed on stop.
type toolCallAccumulator struct {
	currentToolID    string
	currentToolName  string
	currentToolInput strings.Builder
	open             bool
	completedCalls   []toolCall
}

func (a *toolCallAccumulator) start(id, name string) {
	if a.open {
		a.stop()
	}
	a.currentToolID = id
	a.currentToolName = name
	a.currentToolInput.Reset()
	a.open = true
}

func (a *toolCallAccumulator) delta(partial string) {
	if a.open {
		a.currentToolInput.WriteString(partial)
	}
}

// stop parses the buffered arguments. Empty input means no arguments.
func (a *toolCallAccumulator) stop() {
	if !a.open {
		return
	}
	call := toolCall{ID: a.currentToolID, Name: a.currentToolName}
	raw := strings.TrimSpace(a.currentToolInput.String())
	if raw == "" {
		raw = "{}"
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		call.ParseErr = fmt.Errorf("invalid arguments for %s: %w", call.Name, err)
		call.Input = json.RawMessage("{}")
	} else {
		call.Input = json.RawMessage(raw)
	}
	a.completedCalls = append(a.completedCalls, call)
	a.currentToolID = ""
	a.currentToolName = ""
	a.currentToolInput.Reset()
	a.open = false
}

// drain closes any open call and returns every completed call.
func (a *toolCallAccumulator) drain() []toolCall {
	a.stop()
	calls := a.completedCalls
	a.completedCalls = nil
	return calls
}
