package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/queue"
	"github.com/joescharf/sitedit/internal/review"
	"github.com/joescharf/sitedit/internal/sessions"
	"github.com/joescharf/sitedit/internal/store"
)

type fixture struct {
	srv *Server
	git *git.Manager
	reg *sessions.Registry
	rev *review.Service
}

func newTestServer(t *testing.T) *fixture {
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
	rev := review.NewService(queue.New(s, nil), g, reg, nil, nil)
	return &fixture{srv: NewServer(rev, "test"), git: g, reg: reg, rev: rev}
}

// submit queues a branch from session holding content for index.html.
func (f *fixture) submit(t *testing.T, session, user, content string) *models.ChangeRequest {
	t.Helper()
	ctx := context.Background()
	branch := git.BranchName(user, "edit", session)
	dir, err := f.git.CreateWorktree(ctx, branch, "main")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte(content), 0644))
	_, err = f.git.Commit(ctx, dir, "Update index.html", user)
	require.NoError(t, err)
	f.reg.SetUsername(session, user)
	f.reg.SetActiveBranch(session, branch)
	r, err := f.rev.Submit(ctx, session, "edit by "+user)
	require.NoError(t, err)
	return r
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func TestNewServer(t *testing.T) {
	f := newTestServer(t)
	require.NotNil(t, f.srv.MCPServer())
}

func TestQueueList(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()

	result, err := f.srv.handleQueueList(ctx, callToolReq("queue_list", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "[]", resultText(t, result))

	r := f.submit(t, "s1", "alice", "alice\n")
	result, err = f.srv.handleQueueList(ctx, callToolReq("queue_list", map[string]any{"status": "pending"}))
	require.NoError(t, err)
	var out []map[string]any
	resultJSON(t, result, &out)
	require.Len(t, out, 1)
	assert.Equal(t, r.ID, out[0]["id"])
	assert.Equal(t, "alice", out[0]["username"])

	result, err = f.srv.handleQueueList(ctx, callToolReq("queue_list", map[string]any{"status": "approved"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))
}

func TestQueueList_InvalidStatus(t *testing.T) {
	f := newTestServer(t)
	result, err := f.srv.handleQueueList(context.Background(), callToolReq("queue_list", map[string]any{"status": "bogus"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueueShow(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	r := f.submit(t, "s1", "alice", "alice\n")

	result, err := f.srv.handleQueueShow(ctx, callToolReq("queue_show", map[string]any{"id": r.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var d map[string]any
	resultJSON(t, result, &d)
	assert.Equal(t, []any{"index.html"}, d["changedFiles"])
	assert.Contains(t, d["diff"], "+alice")

	result, err = f.srv.handleQueueShow(ctx, callToolReq("queue_show", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError, "should error when id is missing")

	result, err = f.srv.handleQueueShow(ctx, callToolReq("queue_show", map[string]any{"id": "req-nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueueApprove(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	r := f.submit(t, "s1", "alice", "alice\n")

	result, err := f.srv.handleQueueApprove(ctx, callToolReq("queue_approve", map[string]any{"id": r.ID}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "reviewer is required")

	result, err = f.srv.handleQueueApprove(ctx, callToolReq("queue_approve", map[string]any{"id": r.ID, "reviewer": "bob", "note": "ok"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var got models.ChangeRequest
	resultJSON(t, result, &got)
	assert.Equal(t, models.RequestStatusApproved, got.Status)
	assert.Equal(t, "bob", got.ReviewedBy)

	result, err = f.srv.handleQueueApprove(ctx, callToolReq("queue_approve", map[string]any{"id": r.ID, "reviewer": "bob"}))
	require.NoError(t, err)
	assert.True(t, result.IsError, "already approved")
}

func TestQueueApprove_Conflict(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	r := f.submit(t, "s1", "alice", "alice\n")
	require.NoError(t, os.WriteFile(filepath.Join(f.git.Root(), "index.html"), []byte("admin\n"), 0644))
	_, err := f.git.Commit(ctx, "main", "hotfix", "admin")
	require.NoError(t, err)

	result, err := f.srv.handleQueueApprove(ctx, callToolReq("queue_approve", map[string]any{"id": r.ID, "reviewer": "bob"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "merge conflict")
	assert.Contains(t, resultText(t, result), "index.html")
}

func TestQueueRejectAndStats(t *testing.T) {
	f := newTestServer(t)
	ctx := context.Background()
	r := f.submit(t, "s1", "alice", "alice\n")
	f.submit(t, "s2", "carol", "carol\n")

	result, err := f.srv.handleQueueReject(ctx, callToolReq("queue_reject", map[string]any{"id": r.ID, "reviewer": "bob", "note": "no"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	result, err = f.srv.handleQueueStats(ctx, callToolReq("queue_stats", nil))
	require.NoError(t, err)
	var stats queue.Stats
	resultJSON(t, result, &stats)
	assert.Equal(t, queue.Stats{Total: 2, Pending: 1, Rejected: 1}, stats)
}
