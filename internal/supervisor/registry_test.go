package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/keeper/internal/worker"
)

func spawnHandle(t *testing.T, s *Supervisor, name string) *worker.Handle {
	t.Helper()

	h := worker.NewHandle(s, name, false)
	_, err := h.Spawn()
	require.NoError(t, err, "% -+#.1v", err)
	t.Cleanup(func() {
		_ = unix.Kill(h.Pid(), unix.SIGKILL)
		var status unix.WaitStatus
		_, _ = unix.Wait4(h.Pid(), &status, 0, nil)
		h.Release()
	})
	return h
}

func TestRegistry(t *testing.T) {
	s := New(nil)
	r := NewRegistry()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Handles())

	h1 := spawnHandle(t, s, "sleeper")
	h2 := spawnHandle(t, s, "sleeper")
	h3 := spawnHandle(t, s, "other")

	r.Add(h1)
	r.Add(h2)
	r.Add(h3)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, r.Count("sleeper"))
	assert.Equal(t, 1, r.Count("other"))
	assert.Equal(t, 0, r.Count("missing"))

	for _, h := range []*worker.Handle{h1, h2, h3} {
		assert.Same(t, h, r.Get(h.Pid()))
		pid, ok := r.PidForPipe(h.PipeFd())
		assert.True(t, ok)
		assert.Equal(t, h.Pid(), pid)
	}

	pids := r.Pids()
	assert.IsIncreasing(t, pids)
	handles := r.Handles()
	require.Len(t, handles, 3)
	for i, h := range handles {
		assert.Equal(t, pids[i], h.Pid())
	}

	assert.Panics(t, func() {
		r.Add(h1)
	})
	assert.Panics(t, func() {
		r.Add(worker.NewHandle(s, "sleeper", false))
	})

	assert.Same(t, h2, r.Remove(h2.Pid()))
	assert.Nil(t, r.Remove(h2.Pid()))
	assert.Nil(t, r.Get(h2.Pid()))
	_, ok := r.PidForPipe(h2.PipeFd())
	assert.False(t, ok)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, r.Count("sleeper"))

	// The snapshot is unaffected by changes.
	assert.Len(t, handles, 3)

	// After removal it can be added again.
	r.Add(h2)
	assert.Equal(t, 3, r.Len())
}
