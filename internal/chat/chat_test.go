package chat

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sitedit/internal/agent"
	"github.com/joescharf/sitedit/internal/events"
	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/llm/llmtest"
	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/queue"
	"github.com/joescharf/sitedit/internal/review"
	"github.com/joescharf/sitedit/internal/sessions"
	"github.com/joescharf/sitedit/internal/store"
)

type fixture struct {
	svc *Service
	git *git.Manager
	reg *sessions.Registry
	hub *events.Hub
}

func newFixture(t *testing.T, model *llmtest.Model) *fixture {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "site")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("<html></html>\n"), 0644))

	g := git.NewManager(git.Config{Root: root, AuthorName: "Test", AuthorEmail: "test@test.com"})
	_, err := g.InitRepo(context.Background())
	require.NoError(t, err)

	s, err := store.Open(context.Background(), store.BackendJSON, filepath.Join(dir, "queue.json"))
	require.NoError(t, err)
	reg := sessions.NewRegistry(nil)
	hub := events.NewHub()
	rev := review.NewService(queue.New(s, nil), g, reg, nil, nil)
	svc := NewService(reg, g, agent.New(agent.Config{Model: model, Git: g}), rev, hub, nil)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, git: g, reg: reg, hub: hub}
}

func writeFooter() *llmtest.Model {
	return llmtest.New(
		llmtest.Join(
			llmtest.ToolCall("tu_1", agent.ToolWrite, map[string]any{"file_path": "index.html", "content": "<html><footer>alice</footer></html>\n"}),
			llmtest.Stop("tool_use"),
		),
		llmtest.Join(llmtest.Text("Footer added."), llmtest.Stop("end_turn")),
	)
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func names(evs []events.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Name)
	}
	return out
}

func TestSend_Guards(t *testing.T) {
	f := newFixture(t, llmtest.New())
	_, err := f.svc.Send(context.Background(), "s1", "   ", SendOptions{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = f.svc.Send(context.Background(), "s1", "hi", SendOptions{})
	assert.ErrorIs(t, err, ErrNoUsername)
}

func TestSend_RunsTurnOnUserBranch(t *testing.T) {
	f := newFixture(t, writeFooter())
	ctx := context.Background()
	f.reg.SetUsername("s1", "alice")
	ch, unsub := f.hub.Subscribe("s1")
	defer unsub()

	acc, err := f.svc.Send(ctx, "s1", "add a footer", SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, acc.RequestID)
	assert.True(t, strings.HasPrefix(acc.BranchName, "user-alice-add-a-footer-"), acc.BranchName)
	f.svc.Wait()

	assert.Equal(t, acc.BranchName, f.reg.ActiveBranch("s1"))
	assert.Empty(t, f.reg.ActiveRequest("s1"))

	history := f.reg.History("s1")
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, "Footer added.", history[1].Text())

	changed, err := f.git.ChangedFiles(ctx, "main", acc.BranchName)
	require.NoError(t, err)
	assert.Equal(t, []string{"index.html"}, changed)
	main, err := os.ReadFile(filepath.Join(f.git.Root(), "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html></html>\n", string(main), "main is untouched")

	got := drain(ch)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, events.MessageDone, last.Name)
	assert.Equal(t, acc.RequestID, last.RequestID)
	assert.Contains(t, names(got), events.ToolStarted)
	assert.Contains(t, names(got), events.PreviewReady)

	tree, err := f.svc.Files(ctx, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, tree)
}

func TestSend_ReusesBranchUntilNewFeature(t *testing.T) {
	f := newFixture(t, llmtest.New())
	ctx := context.Background()
	f.reg.SetUsername("s1", "alice")

	first, err := f.svc.Send(ctx, "s1", "add a footer", SendOptions{})
	require.NoError(t, err)
	f.svc.Wait()
	second, err := f.svc.Send(ctx, "s1", "make it blue", SendOptions{})
	require.NoError(t, err)
	f.svc.Wait()
	assert.Equal(t, first.BranchName, second.BranchName)

	third, err := f.svc.Send(ctx, "s1", "now the header", SendOptions{NewFeature: true, FeatureDescription: "new header"})
	require.NoError(t, err)
	f.svc.Wait()
	assert.NotEqual(t, first.BranchName, third.BranchName)
	assert.True(t, strings.HasPrefix(third.BranchName, "user-alice-new-header-"), third.BranchName)
}

func TestCancel_StopsRunningTurn(t *testing.T) {
	model := writeFooter()
	started := make(chan struct{})
	release := make(chan struct{})
	model.Hook = func(call int) {
		if call == 0 {
			close(started)
			<-release
		}
	}
	f := newFixture(t, model)
	f.reg.SetUsername("s1", "alice")
	ch, unsub := f.hub.Subscribe("s1")
	defer unsub()

	acc, err := f.svc.Send(context.Background(), "s1", "add a footer", SendOptions{})
	require.NoError(t, err)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached the model")
	}

	assert.False(t, f.svc.CancelRequest(acc.RequestID, "someone-else"))
	assert.True(t, f.svc.CancelRequest(acc.RequestID, "s1"))
	close(release)
	f.svc.Wait()

	got := drain(ch)
	assert.Contains(t, names(got), events.MessageCancelled)
	changed, err := f.git.ChangedFiles(context.Background(), "main", acc.BranchName)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.False(t, f.svc.Cancel("s1"), "nothing left to cancel")
}

func TestSubmit_PublishesAndDetaches(t *testing.T) {
	f := newFixture(t, writeFooter())
	ctx := context.Background()
	f.reg.SetUsername("s1", "alice")
	acc, err := f.svc.Send(ctx, "s1", "add a footer", SendOptions{})
	require.NoError(t, err)
	f.svc.Wait()

	ch, unsub := f.hub.Subscribe("s1")
	defer unsub()
	r, err := f.svc.Submit(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, acc.BranchName, r.BranchName)
	assert.Equal(t, "add a footer", r.Description)
	assert.Empty(t, f.reg.ActiveBranch("s1"))

	got := drain(ch)
	require.Len(t, got, 1)
	assert.Equal(t, events.RequestSubmitted, got[0].Name)
	assert.Equal(t, r.ID, got[0].Data["requestId"])
}

func TestSubmit_RefusedWhileTurnRuns(t *testing.T) {
	model := writeFooter()
	paused := make(chan struct{})
	release := make(chan struct{})
	// Pause before the second model call, after the Write has been committed.
	model.Hook = func(call int) {
		if call == 1 {
			close(paused)
			<-release
		}
	}
	f := newFixture(t, model)
	ctx := context.Background()
	f.reg.SetUsername("s1", "alice")

	acc, err := f.svc.Send(ctx, "s1", "add a footer", SendOptions{})
	require.NoError(t, err)
	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never committed its edit")
	}

	_, err = f.svc.Submit(ctx, "s1", "")
	assert.ErrorIs(t, err, review.ErrTurnRunning)
	assert.ErrorIs(t, err, queue.ErrInvalidState)
	assert.Equal(t, acc.BranchName, f.reg.ActiveBranch("s1"), "branch stays with the session")
	pending, err := f.svc.review.Queue().GetPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	close(release)
	f.svc.Wait()

	r, err := f.svc.Submit(ctx, "s1", "")
	require.NoError(t, err)
	assert.Equal(t, acc.BranchName, r.BranchName)
	require.Len(t, r.Conversation, 2)
	assert.Equal(t, "Footer added.", r.Conversation[1].Text())
}

func TestSessionLocks(t *testing.T) {
	var l sessionLocks
	unlock := l.lock("s1")
	assert.Equal(t, 1, l.len())

	acquired := make(chan struct{})
	go func() {
		defer l.lock("s1")()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second holder entered while the first held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	// Other sessions are not blocked.
	l.lock("s2")()

	unlock()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired the lock")
	}
	assert.Eventually(t, func() bool { return l.len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWatch_RequiresBranch(t *testing.T) {
	f := newFixture(t, llmtest.New())
	assert.ErrorIs(t, f.svc.Watch(context.Background(), "s1"), review.ErrNoBranch)
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, llmtest.New())
	f.reg.SetUsername("s1", "alice")
	assert.True(t, f.svc.EndSession("s1"))
	assert.False(t, f.svc.EndSession("s1"))
}

func TestBranchToken(t *testing.T) {
	tok := branchToken("ABC-def-123456")
	assert.True(t, strings.HasPrefix(tok, "abcdef-"), tok)
	assert.NotContains(t, branchToken(""), "-")
}
