package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/sitedit/internal/models"
	"github.com/joescharf/sitedit/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	s, err := store.Open(context.Background(), store.BackendJSON, filepath.Join(t.TempDir(), "queue.json"))
	require.NoError(t, err)
	return New(s, nil)
}

func submit(t *testing.T, q *Queue, user, branch string) *models.ChangeRequest {
	t.Helper()
	r, err := q.AddRequest(context.Background(), NewRequest{Username: user, BranchName: branch, Description: "change"})
	require.NoError(t, err)
	return r
}

func TestAddRequest(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	r := submit(t, q, "alice", "user-alice-1")
	assert.Equal(t, models.RequestStatusPending, r.Status)
	assert.NotEmpty(t, r.ID)
	assert.NotNil(t, r.Conversation)

	got, err := q.GetByID(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-alice-1", got.BranchName)

	_, err = q.AddRequest(ctx, NewRequest{Username: "alice", BranchName: "user-alice-1"})
	assert.ErrorIs(t, err, ErrInvalidState, "one pending entry per branch")

	_, err = q.AddRequest(ctx, NewRequest{BranchName: "b"})
	assert.Error(t, err)
	_, err = q.AddRequest(ctx, NewRequest{Username: "a"})
	assert.Error(t, err)
}

func TestApproveRejectExclusive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	r := submit(t, q, "alice", "user-alice-1")

	approved, err := q.Approve(ctx, r.ID, "bob", "ship it")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusApproved, approved.Status)
	assert.Equal(t, "bob", approved.ReviewedBy)
	assert.Equal(t, "ship it", approved.ReviewNote)
	require.NotNil(t, approved.ReviewedAt)

	_, err = q.Reject(ctx, r.ID, "carol", "")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = q.Approve(ctx, r.ID, "carol", "")
	assert.ErrorIs(t, err, ErrInvalidState)

	r2 := submit(t, q, "alice", "user-alice-2")
	_, err = q.Reject(ctx, r2.ID, "bob", "no")
	require.NoError(t, err)
	_, err = q.Approve(ctx, r2.ID, "bob", "")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = q.Approve(ctx, "req-missing", "bob", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancel(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	r := submit(t, q, "alice", "user-alice-1")

	_, err := q.Cancel(ctx, r.ID, "mallory")
	assert.ErrorIs(t, err, ErrInvalidState)

	cancelled, err := q.Cancel(ctx, r.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RequestStatusCancelled, cancelled.Status)

	_, err = q.Cancel(ctx, r.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = q.Approve(ctx, r.ID, "bob", "")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestQueries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	a1 := submit(t, q, "alice", "user-alice-1")
	submit(t, q, "alice", "user-alice-2")
	submit(t, q, "bob", "user-bob-1")
	_, err := q.Approve(ctx, a1.ID, "admin", "")
	require.NoError(t, err)

	pending, err := q.GetPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := q.GetAll(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	approved, err := q.GetAll(ctx, models.RequestStatusApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, a1.ID, approved[0].ID)

	_, err = q.GetAll(ctx, "bogus")
	assert.Error(t, err)

	mine, err := q.GetByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Pending: 2, Approved: 1}, stats)
}

func TestCleanupOld_IgnoresStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()
	q.now = func() time.Time { return now.Add(-40 * 24 * time.Hour) }
	old := submit(t, q, "alice", "user-alice-old")
	q.now = func() time.Time { return now }
	fresh := submit(t, q, "bob", "user-bob-new")

	n, err := q.CleanupOld(ctx, DefaultRetention)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = q.GetByID(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound, "pending entries are purged too")
	_, err = q.GetByID(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestConcurrentReviews(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	r := submit(t, q, "alice", "user-alice-1")

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = q.Approve(ctx, r.ID, "bob", "")
			} else {
				_, err = q.Reject(ctx, r.ID, "carol", "")
			}
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrInvalidState)
		}
	}
	assert.Equal(t, 1, ok, "exactly one review wins")
}

func TestStartCleanup(t *testing.T) {
	q := newTestQueue(t)
	old := time.Now().Add(-48 * time.Hour)
	q.now = func() time.Time { return old }
	r := submit(t, q, "alice", "user-alice-old")
	q.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.StartCleanup(ctx, 10*time.Millisecond, 24*time.Hour)

	require.Eventually(t, func() bool {
		_, err := q.GetByID(context.Background(), r.ID)
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}
