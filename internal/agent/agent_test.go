package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sitedit/internal/events"
	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/llm"
	"github.com/joescharf/sitedit/internal/llm/llmtest"
	"github.com/joescharf/sitedit/internal/models"
)

// newTestSite creates a site repo and a worktree for alice.
func newTestSite(t *testing.T) (*git.Manager, string, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "site")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html><footer>old</footer></html>\n"), 0644))

	m := git.NewManager(git.Config{Root: root, AuthorName: "Test", AuthorEmail: "test@test.com"})
	_, err := m.InitRepo(context.Background())
	require.NoError(t, err)

	branch := git.BranchName("alice", "add a footer", "t1")
	dir, err := m.CreateWorktree(context.Background(), branch, "main")
	require.NoError(t, err)
	return m, branch, dir
}

type recorder struct {
	mu      sync.Mutex
	got     []events.Event
	onEvent func(events.Event)
}

func (r *recorder) emit(ev events.Event) {
	r.mu.Lock()
	r.got = append(r.got, ev)
	hook := r.onEvent
	r.mu.Unlock()
	if hook != nil {
		hook(ev)
	}
}

func (r *recorder) named(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.got {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func TestRun_WriteCommitsAttributedChange(t *testing.T) {
	m, branch, dir := newTestSite(t)
	model := llmtest.New(
		llmtest.Join(
			llmtest.Text("Adding it now."),
			llmtest.ToolCall("tu_1", ToolWrite, map[string]any{"file_path": "index.html", "content": "<html><footer>alice</footer></html>\n"}),
			llmtest.Stop("tool_use"),
		),
		llmtest.Join(llmtest.Text(" Done, ", "footer added."), llmtest.Stop("end_turn")),
	)
	a := New(Config{Model: model, Git: m})
	rec := &recorder{}

	res, err := a.Run(context.Background(), Turn{
		Username: "alice", Branch: branch, Dir: dir, Message: "add a footer", Emit: rec.emit,
	})
	require.NoError(t, err)

	assert.Equal(t, "Adding it now. Done, footer added.", res.Text)
	assert.Equal(t, 2, res.ModelCalls)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, 1, res.Commits)
	assert.Equal(t, []string{"index.html"}, res.ChangedFiles)
	assert.False(t, res.Cancelled)
	assert.Equal(t, "end_turn", res.StopReason)

	out, err := exec.Command("git", "-C", dir, "log", "-1", "--format=%B").CombinedOutput()
	require.NoError(t, err)
	assert.Contains(t, string(out), "Update index.html")
	assert.Contains(t, string(out), "Requested-by: alice")

	changed, err := m.ChangedFiles(context.Background(), "main", branch)
	require.NoError(t, err)
	assert.Contains(t, changed, "index.html")

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[0].System, "alice")
	assert.Len(t, reqs[0].Tools, 6)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	require.Len(t, last.Content, 1)
	assert.Equal(t, models.BlockToolResult, last.Content[0].Type)
	assert.Equal(t, "tu_1", last.Content[0].ToolUseID)
	assert.False(t, last.Content[0].IsError)
	prev := reqs[1].Messages[len(reqs[1].Messages)-2]
	assert.Equal(t, models.RoleAssistant, prev.Role)
	assert.Equal(t, models.BlockToolUse, prev.Content[1].Type)
	assert.JSONEq(t, `{"file_path":"index.html","content":"<html><footer>alice</footer></html>\n"}`, string(prev.Content[1].Input))

	thinking := rec.named(events.MessageThinking)
	require.Len(t, thinking, 2)
	assert.Equal(t, true, thinking[0].Data["thinking"])
	assert.Equal(t, false, thinking[1].Data["thinking"])

	var complete int
	for _, ev := range rec.named(events.MessageStream) {
		if ev.Data["isComplete"] == true {
			complete++
		}
	}
	assert.Equal(t, 2, complete, "each text block end is signalled")
	assert.Len(t, rec.named(events.FileChanged), 1)
	require.Len(t, rec.named(events.PreviewReady), 1)
	assert.Equal(t, branch, rec.named(events.PreviewReady)[0].Data["branchName"])
}

func TestRun_CancelledBeforeModelResponds(t *testing.T) {
	m, branch, dir := newTestSite(t)
	ctx, cancel := context.WithCancel(context.Background())
	model := llmtest.New(llmtest.Join(llmtest.Text("never seen"), llmtest.Stop("end_turn")))
	model.Hook = func(int) { cancel() }
	rec := &recorder{}

	res, err := New(Config{Model: model, Git: m}).Run(ctx, Turn{
		Username: "alice", Branch: branch, Dir: dir, Message: "hi", Emit: rec.emit,
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.Text)
	assert.Len(t, rec.named(events.MessageCancelled), 1)
	assert.Len(t, model.Requests(), 1)
}

func TestRun_CancelSkipsRemainingTools(t *testing.T) {
	m, branch, dir := newTestSite(t)
	ctx, cancel := context.WithCancel(context.Background())
	model := llmtest.New(llmtest.Join(
		llmtest.Text("Two writes."),
		llmtest.ToolCall("tu_1", ToolWrite, map[string]any{"file_path": "a.html", "content": "a"}),
		llmtest.ToolCall("tu_2", ToolWrite, map[string]any{"file_path": "b.html", "content": "b"}),
		llmtest.Stop("tool_use"),
	))
	rec := &recorder{onEvent: func(ev events.Event) {
		if ev.Name == events.ToolResult {
			cancel()
		}
	}}

	res, err := New(Config{Model: model, Git: m}).Run(ctx, Turn{
		Username: "alice", Branch: branch, Dir: dir, Message: "write two files", Emit: rec.emit,
	})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, "Two writes.", res.Text, "streamed text is kept")
	assert.Equal(t, 1, res.ToolCalls)
	assert.FileExists(t, filepath.Join(dir, "a.html"), "in-flight tool completes")
	assert.NoFileExists(t, filepath.Join(dir, "b.html"))
	assert.Len(t, model.Requests(), 1)
}

func TestRun_UnknownToolIsReportedAndLoopContinues(t *testing.T) {
	m, branch, dir := newTestSite(t)
	model := llmtest.New(
		llmtest.Join(llmtest.ToolCall("tu_1", "Delete", map[string]any{"file_path": "index.html"}), llmtest.Stop("tool_use")),
		llmtest.Join(llmtest.Text("I cannot delete files."), llmtest.Stop("end_turn")),
	)
	rec := &recorder{}

	res, err := New(Config{Model: model, Git: m}).Run(context.Background(), Turn{
		Username: "alice", Branch: branch, Dir: dir, Message: "delete index", Emit: rec.emit,
	})
	require.NoError(t, err)
	assert.Equal(t, "I cannot delete files.", res.Text)

	errs := rec.named(events.Error)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Data["error"], "unknown tool")

	reqs := model.Requests()
	require.Len(t, reqs, 2)
	result := reqs[1].Messages[len(reqs[1].Messages)-1].Content[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "Delete")
}

func TestRun_EditStringNotFoundIsData(t *testing.T) {
	m, branch, dir := newTestSite(t)
	model := llmtest.New(
		llmtest.Join(llmtest.ToolCall("tu_1", ToolEdit, map[string]any{
			"file_path": "index.html", "old_string": "<header>", "new_string": "<nav>",
		}), llmtest.Stop("tool_use")),
		llmtest.Join(llmtest.Text("There is no header."), llmtest.Stop("end_turn")),
	)
	res, err := New(Config{Model: model, Git: m}).Run(context.Background(), Turn{
		Username: "alice", Branch: branch, Dir: dir, Message: "rename header",
	})
	require.NoError(t, err)
	assert.Zero(t, res.Commits)

	result := model.Requests()[1].Messages[len(model.Requests()[1].Messages)-1].Content[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "string not found")
}

func TestRun_TurnLimit(t *testing.T) {
	m, branch, dir := newTestSite(t)
	glob := llmtest.Join(llmtest.ToolCall("tu", ToolGlob, map[string]any{"pattern": "*.html"}), llmtest.Stop("tool_use"))
	model := llmtest.New(glob, glob, glob)

	res, err := New(Config{Model: model, Git: m, MaxTurns: 2}).Run(context.Background(), Turn{
		Username: "alice", Branch: branch, Dir: dir, Message: "loop",
	})
	assert.ErrorIs(t, err, ErrTurnLimit)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.ModelCalls)
}

func TestRun_RequiresUsername(t *testing.T) {
	_, err := New(Config{Model: llmtest.New()}).Run(context.Background(), Turn{Message: "hi"})
	assert.ErrorIs(t, err, ErrNoUsername)
}

func TestRun_HistoryIsSent(t *testing.T) {
	m, branch, dir := newTestSite(t)
	model := llmtest.New(llmtest.Join(llmtest.Text("ok"), llmtest.Stop("end_turn")))
	history := []models.Message{
		models.NewTextMessage(models.RoleUser, "first"),
		models.NewTextMessage(models.RoleAssistant, "reply"),
	}
	_, err := New(Config{Model: model, Git: m}).Run(context.Background(), Turn{
		Username: "alice", Branch: branch, Dir: dir, History: history, Message: "second",
	})
	require.NoError(t, err)
	msgs := model.Requests()[0].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "first", msgs[0].Text())
	assert.Equal(t, "second", msgs[2].Text())
}

func TestNormalize(t *testing.T) {
	msgs := normalize([]models.Message{
		models.NewTextMessage(models.RoleUser, "a"),
		models.NewTextMessage(models.RoleUser, "b"),
		{Role: models.RoleAssistant},
		models.NewTextMessage(models.RoleAssistant, "c"),
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "ab", msgs[0].Text())
	assert.Equal(t, "c", msgs[1].Text())
}

func TestSystemPrompt(t *testing.T) {
	p := SystemPrompt("alice", "user-alice-x")
	assert.Contains(t, p, "alice")
	assert.Contains(t, p, "user-alice-x")
	assert.False(t, strings.HasSuffix(p, "\n"))
	assert.NotContains(t, SystemPrompt("", ""), "Context:")
}

var _ llm.Model = (*llmtest.Model)(nil)
