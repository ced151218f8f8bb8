// Package agent drives the tool-calling loop: it streams model text to the
// client, runs requested tools against the user's worktree, commits their
// effects, and feeds the results back until the model is done.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joescharf/sitedit/internal/events"
	"github.com/joescharf/sitedit/internal/files"
	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/llm"
	"github.com/joescharf/sitedit/internal/models"
)

// DefaultMaxTurns caps model calls in one user turn.
const DefaultMaxTurns = 25

var (
	// ErrNoUsername is returned when a turn has no user to attribute commits to.
	ErrNoUsername = errors.New("username is required")
	// ErrTurnLimit is returned when the model keeps calling tools past MaxTurns.
	ErrTurnLimit = errors.New("model call limit reached")
)

// Config configures an Agent.
type Config struct {
	Model       llm.Model
	Git         *git.Manager
	MaxTurns    int
	MaxTokens   int64
	BashTimeout time.Duration
	Logger      *slog.Logger
}

// Agent runs chat turns. It holds no per-session state and is safe for
// concurrent use across sessions.
type Agent struct {
	model       llm.Model
	git         *git.Manager
	maxTurns    int
	maxTokens   int64
	bashTimeout time.Duration
	log         *slog.Logger
}

// New returns an Agent for cfg.
func New(cfg Config) *Agent {
	a := &Agent{
		model:       cfg.Model,
		git:         cfg.Git,
		maxTurns:    cfg.MaxTurns,
		maxTokens:   cfg.MaxTokens,
		bashTimeout: cfg.BashTimeout,
		log:         cfg.Logger,
	}
	if a.maxTurns <= 0 {
		a.maxTurns = DefaultMaxTurns
	}
	if a.bashTimeout <= 0 {
		a.bashTimeout = DefaultBashTimeout
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	return a
}

// Turn is one user message to answer.
type Turn struct {
	Username string
	Branch   string
	Dir      string // worktree of Branch
	History  []models.Message
	Message  string
	Emit     events.Emitter
}

// Result summarises a finished turn.
type Result struct {
	// Text is every text delta of the turn concatenated.
	Text         string
	ModelCalls   int
	ToolCalls    int
	Commits      int
	ChangedFiles []string
	Cancelled    bool
	StopReason   string
}

// Run answers t.Message. Cancelling ctx stops the loop at the next
// boundary: before a model call, between stream events, or before a tool
// call. A tool already running finishes first. A cancelled turn returns
// its partial result with Cancelled set and a nil error.
func (a *Agent) Run(ctx context.Context, t Turn) (*Result, error) {
	if strings.TrimSpace(t.Username) == "" {
		return nil, ErrNoUsername
	}
	emit := t.Emit
	if emit == nil {
		emit = events.Discard
	}
	tb := &toolbox{
		fs:          files.New(t.Dir),
		git:         a.git,
		dir:         t.Dir,
		author:      t.Username,
		bashTimeout: a.bashTimeout,
	}

	transcript := normalize(append(append([]models.Message(nil), t.History...),
		models.NewTextMessage(models.RoleUser, t.Message)))
	req := llm.Request{
		System:    SystemPrompt(t.Username, t.Branch),
		Tools:     Tools(),
		MaxTokens: a.maxTokens,
	}

	res := &Result{}
	var text strings.Builder
	changed := map[string]bool{}

	emit(events.New(events.MessageThinking, map[string]any{"thinking": true}))
	defer emit(events.New(events.MessageThinking, map[string]any{"thinking": false}))

	finish := func(cancelled bool) *Result {
		res.Text = text.String()
		res.Cancelled = cancelled
		if cancelled {
			emit(events.New(events.MessageCancelled, map[string]any{"text": res.Text}))
		}
		if res.Commits > 0 {
			emit(events.New(events.PreviewReady, map[string]any{"branchName": t.Branch}))
		}
		return res
	}

	for {
		if ctx.Err() != nil {
			return finish(true), nil
		}
		if res.ModelCalls >= a.maxTurns {
			emit(events.New(events.Error, map[string]any{"error": ErrTurnLimit.Error()}))
			return finish(false), fmt.Errorf("%w (%d)", ErrTurnLimit, a.maxTurns)
		}
		res.ModelCalls++

		req.Messages = transcript
		step, err := a.step(ctx, req, &text, emit)
		if err != nil {
			if ctx.Err() != nil {
				return finish(true), nil
			}
			emit(events.New(events.Error, map[string]any{"error": err.Error()}))
			return finish(false), err
		}
		res.StopReason = step.stopReason
		if step.cancelled {
			return finish(true), nil
		}

		assistant := models.Message{Role: models.RoleAssistant, Timestamp: time.Now().UTC()}
		if step.text != "" {
			assistant.Content = append(assistant.Content, models.ContentBlock{Type: models.BlockText, Text: step.text})
		}
		for _, c := range step.calls {
			assistant.Content = append(assistant.Content, models.ContentBlock{
				Type: models.BlockToolUse, ToolUseID: c.ID, ToolName: c.Name, Input: c.Input,
			})
		}
		if len(assistant.Content) > 0 {
			transcript = append(transcript, assistant)
		}
		if len(step.calls) == 0 {
			return finish(false), nil
		}

		results := models.Message{Role: models.RoleUser, Timestamp: time.Now().UTC()}
		for _, c := range step.calls {
			if ctx.Err() != nil {
				return finish(true), nil
			}
			block := a.runTool(ctx, tb, c, res, changed, emit)
			results.Content = append(results.Content, block)
		}
		transcript = append(transcript, results)
	}
}

type stepResult struct {
	text       string
	calls      []toolCall
	stopReason string
	cancelled  bool
}

// step consumes one model response stream.
func (a *Agent) step(ctx context.Context, req llm.Request, total *strings.Builder, emit events.Emitter) (*stepResult, error) {
	stream, err := a.model.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start model stream: %w", err)
	}
	defer stream.Close()

	out := &stepResult{}
	var text strings.Builder
	acc := &toolCallAccumulator{}
	for stream.Next() {
		ev := stream.Event()
		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
			total.WriteString(ev.Text)
			emit(events.New(events.MessageStream, map[string]any{
				"text": ev.Text, "fullText": total.String(), "isComplete": false,
			}))
		case llm.EventTextStop:
			emit(events.New(events.MessageStream, map[string]any{
				"text": "", "fullText": total.String(), "isComplete": true,
			}))
		case llm.EventToolStart:
			acc.start(ev.ToolID, ev.ToolName)
		case llm.EventToolDelta:
			acc.delta(ev.PartialJSON)
		case llm.EventToolStop:
			acc.stop()
		case llm.EventTurnStop:
			out.stopReason = ev.StopReason
		}
		if ctx.Err() != nil {
			out.cancelled = true
			break
		}
	}
	if err := stream.Err(); err != nil && !out.cancelled {
		return nil, fmt.Errorf("model stream: %w", err)
	}
	out.text = text.String()
	out.calls = acc.drain()
	if out.cancelled {
		out.calls = nil
	}
	return out, nil
}

// runTool executes one call outside the turn's cancellation and returns
// the tool_result block for it.
func (a *Agent) runTool(ctx context.Context, tb *toolbox, c toolCall, res *Result, changed map[string]bool, emit events.Emitter) models.ContentBlock {
	res.ToolCalls++
	emit(events.New(events.ToolStarted, map[string]any{"tool": c.Name, "toolUseId": c.ID, "input": c.Input}))

	started := time.Now()
	out, err := tb.run(context.WithoutCancel(ctx), c)
	if err != nil {
		a.log.Warn("tool call failed", "tool", c.Name, "error", err)
		emit(events.New(events.Error, map[string]any{"error": err.Error(), "tool": c.Name}))
		return models.ContentBlock{Type: models.BlockToolResult, ToolUseID: c.ID, Content: "Error: " + err.Error(), IsError: true}
	}
	if out.IsError {
		emit(events.New(events.Error, map[string]any{"error": out.Content, "tool": c.Name}))
	}
	if out.Committed {
		res.Commits++
	}
	if out.Changed != "" {
		if !changed[out.Changed] {
			changed[out.Changed] = true
			res.ChangedFiles = append(res.ChangedFiles, out.Changed)
		}
		emit(events.New(events.FileChanged, map[string]any{"event": "change", "path": out.Changed}))
	}
	emit(events.New(events.ToolResult, map[string]any{
		"tool": c.Name, "toolUseId": c.ID, "isError": out.IsError, "committed": out.Committed,
	}))
	a.log.Debug("tool call", "tool", c.Name, "is_error", out.IsError, "committed", out.Committed, "duration", time.Since(started))
	return models.ContentBlock{Type: models.BlockToolResult, ToolUseID: c.ID, Content: out.Content, IsError: out.IsError}
}

// normalize merges consecutive messages from the same role and drops empty
// ones, so the model always sees alternating turns.
func normalize(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Content) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			merged := append(append([]models.ContentBlock(nil), out[n-1].Content...), m.Content...)
			out[n-1].Content = merged
			continue
		}
		out = append(out, m)
	}
	return out
}
