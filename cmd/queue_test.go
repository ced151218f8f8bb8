package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/queue"
)

// queueEnv prepares an initialised site and captures UI output.
func queueEnv(t *testing.T) *bytes.Buffer {
	t.Helper()
	testEnv(t)
	_, err := newGitManager().InitRepo(context.Background())
	require.NoError(t, err)

	var out bytes.Buffer
	ui.Out = &out
	ui.ErrOut = &out
	t.Cleanup(func() { queueStatus, queueBy, queueNote, queueDays, queueShowDiff, dryRun = "", "", "", 0, false, false })
	return &out
}

func addRequest(t *testing.T, user, branch string) *models.ChangeRequest {
	t.Helper()
	ctx := context.Background()
	a, err := newApp(ctx)
	require.NoError(t, err)
	defer a.Close()
	r, err := a.queue.AddRequest(ctx, queue.NewRequest{
		Username:    user,
		BranchName:  branch,
		Description: "update the " + branch + " page",
	})
	require.NoError(t, err)
	return r
}

func TestQueueList_Empty(t *testing.T) {
	out := queueEnv(t)

	require.NoError(t, queueListRun(context.Background()))
	assert.Contains(t, out.String(), "No change requests.")
}

func TestQueueList_InvalidStatus(t *testing.T) {
	queueEnv(t)
	queueStatus = "merged"

	err := queueListRun(context.Background())
	assert.ErrorContains(t, err, `invalid status "merged"`)
}

func TestQueueList_Rows(t *testing.T) {
	out := queueEnv(t)
	r := addRequest(t, "alice", "alice/footer")

	require.NoError(t, queueListRun(context.Background()))
	assert.Contains(t, out.String(), r.ID)
	assert.Contains(t, out.String(), "alice")
}

func TestQueueShow_MissingBranch(t *testing.T) {
	out := queueEnv(t)
	r := addRequest(t, "alice", "alice/gone")

	require.NoError(t, queueShowRun(context.Background(), r.ID))
	assert.Contains(t, out.String(), "alice/gone")
	assert.Contains(t, out.String(), "Branch no longer exists.")
}

func TestQueueReject(t *testing.T) {
	out := queueEnv(t)
	r := addRequest(t, "bob", "bob/header")
	queueBy = "admin"
	queueNote = "not now"

	require.NoError(t, queueRejectRun(context.Background(), r.ID))
	assert.Contains(t, out.String(), "Rejected "+r.ID)

	a, err := newApp(context.Background())
	require.NoError(t, err)
	defer a.Close()
	got, err := a.queue.GetByID(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusRejected, got.Status)
	assert.Equal(t, "admin", got.ReviewedBy)
	assert.Equal(t, "not now", got.ReviewNote)
}

func TestQueueApprove_DryRun(t *testing.T) {
	out := queueEnv(t)
	r := addRequest(t, "bob", "bob/header")
	queueBy = "admin"
	dryRun = true
	ui.DryRun = true

	require.NoError(t, queueApproveRun(context.Background(), r.ID))
	assert.Contains(t, out.String(), "Would approve")
}

func TestQueueStats(t *testing.T) {
	out := queueEnv(t)
	addRequest(t, "alice", "alice/a")
	addRequest(t, "bob", "bob/b")

	require.NoError(t, queueStatsRun(context.Background()))
	assert.Contains(t, out.String(), "pending")
	assert.Contains(t, out.String(), "2")
}

func TestQueueCleanup(t *testing.T) {
	out := queueEnv(t)
	addRequest(t, "alice", "alice/a")
	queueDays = 1

	require.NoError(t, queueCleanupRun(context.Background()))
	assert.Contains(t, out.String(), "Purged 0 request(s)")
}

func TestTimeAgo(t *testing.T) {
	assert.Equal(t, "just now", timeAgo(time.Now()))
	assert.Equal(t, "5m ago", timeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "3h ago", timeAgo(time.Now().Add(-3*time.Hour-time.Second)))
	assert.Equal(t, "2d ago", timeAgo(time.Now().Add(-49*time.Hour)))
}
