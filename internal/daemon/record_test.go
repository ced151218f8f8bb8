package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(t *testing.T) *Record {
	t.Helper()
	return NewRecord(filepath.Join(t.TempDir(), "state", "serve.json"))
}

func TestRecord_SaveLoad(t *testing.T) {
	r := newRecord(t)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	st := State{PID: 4242, Port: 8080, SiteDir: "/srv/site", LogPath: "/srv/serve.log", StartedAt: started}
	require.NoError(t, r.Save(st))

	got, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, st, got)
}

func TestRecord_LoadMissing(t *testing.T) {
	_, err := newRecord(t).Load()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestRecord_LoadInvalid(t *testing.T) {
	r := newRecord(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(r.Path), 0o755))

	require.NoError(t, os.WriteFile(r.Path, []byte("not json"), 0o644))
	_, err := r.Load()
	assert.ErrorContains(t, err, "invalid server record")

	require.NoError(t, os.WriteFile(r.Path, []byte(`{"pid":0}`), 0o644))
	_, err = r.Load()
	assert.ErrorContains(t, err, "pid 0")
}

func TestRecord_RunningCurrentProcess(t *testing.T) {
	r := newRecord(t)
	require.NoError(t, r.Save(State{PID: os.Getpid(), Port: 9000}))

	st, ok := r.Running()
	assert.True(t, ok)
	assert.Equal(t, 9000, st.Port)
}

func TestRecord_RunningDeadProcess(t *testing.T) {
	r := newRecord(t)
	// Very high PID, almost certainly not alive.
	require.NoError(t, r.Save(State{PID: 4194304}))

	_, ok := r.Running()
	assert.False(t, ok)
}

func TestRecord_Acquire(t *testing.T) {
	r := newRecord(t)
	require.NoError(t, r.Save(State{PID: os.Getpid(), Port: 1}))

	// Another caller cannot take a live record.
	err := r.Acquire(State{PID: 4194304, Port: 2})
	assert.ErrorContains(t, err, "already running")

	// The owner may refresh its own record.
	require.NoError(t, r.Acquire(State{PID: os.Getpid(), Port: 3}))
	st, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Port)
}

func TestRecord_AcquireReplacesStale(t *testing.T) {
	r := newRecord(t)
	require.NoError(t, r.Save(State{PID: 4194304, Port: 1}))

	require.NoError(t, r.Acquire(State{PID: os.Getpid(), Port: 2}))
	st, err := r.Load()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
}

func TestRecord_Release(t *testing.T) {
	r := newRecord(t)
	require.NoError(t, r.Save(State{PID: os.Getpid()}))

	require.NoError(t, r.Release(os.Getpid()+1))
	assert.FileExists(t, r.Path)

	require.NoError(t, r.Release(os.Getpid()))
	assert.NoFileExists(t, r.Path)

	// Releasing twice is harmless.
	assert.NoError(t, r.Release(os.Getpid()))
}

func TestRecord_StopNotRunning(t *testing.T) {
	r := newRecord(t)
	require.NoError(t, r.Save(State{PID: 4194304}))

	_, err := r.Stop(time.Second)
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.NoFileExists(t, r.Path, "stale record is cleared")
}
