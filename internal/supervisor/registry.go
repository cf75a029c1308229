package supervisor

import (
	"sort"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/keeper/internal/worker"
)

// Registry tracks running worker processes by PID and by the descriptor of
// their communication pipe. Both indexes are kept in bijection.
//
// Registry is not safe for concurrent use. The supervisor mutates it only from
// its event loop.
type Registry struct {
	byPid     map[int]*worker.Handle
	pidToPipe map[int]int
	pipeToPid map[int]int
}

func NewRegistry() *Registry {
	return &Registry{
		byPid:     map[int]*worker.Handle{},
		pidToPipe: map[int]int{},
		pipeToPid: map[int]int{},
	}
}

// Add tracks a spawned handle. It panics if its PID or pipe is already tracked.
func (r *Registry) Add(h *worker.Handle) {
	pid := h.Pid()
	pipe := h.PipeFd()
	if pid <= 0 {
		panic(errors.New("adding worker without a process"))
	}
	if _, ok := r.byPid[pid]; ok {
		panic(errors.New("adding worker PID which already exists"))
	}
	if _, ok := r.pipeToPid[pipe]; ok {
		panic(errors.New("adding worker pipe which already exists"))
	}
	r.byPid[pid] = h
	r.pidToPipe[pid] = pipe
	r.pipeToPid[pipe] = pid
}

// Remove stops tracking the handle with pid and returns it, or nil if it is not tracked.
func (r *Registry) Remove(pid int) *worker.Handle {
	h, ok := r.byPid[pid]
	if !ok {
		return nil
	}
	pipe := r.pidToPipe[pid]
	delete(r.byPid, pid)
	delete(r.pidToPipe, pid)
	delete(r.pipeToPid, pipe)
	return h
}

func (r *Registry) Get(pid int) *worker.Handle {
	return r.byPid[pid]
}

// PidForPipe returns the PID of the process with the pipe descriptor.
func (r *Registry) PidForPipe(pipe int) (int, bool) {
	pid, ok := r.pipeToPid[pipe]
	return pid, ok
}

func (r *Registry) Len() int {
	return len(r.byPid)
}

// Handles returns tracked handles ordered by PID. The returned slice is a
// snapshot and stays valid when the registry changes.
func (r *Registry) Handles() []*worker.Handle {
	pids := r.Pids()
	handles := make([]*worker.Handle, 0, len(pids))
	for _, pid := range pids {
		handles = append(handles, r.byPid[pid])
	}
	return handles
}

// Pids returns tracked PIDs in increasing order.
func (r *Registry) Pids() []int {
	pids := make([]int, 0, len(r.byPid))
	for pid := range r.byPid {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

// Count returns the number of tracked processes of the worker type name.
func (r *Registry) Count(name string) int {
	n := 0
	for _, h := range r.byPid {
		if h.Name() == name {
			n++
		}
	}
	return n
}
