package worker

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

const (
	// EnvWorker is set to the worker name in the environment of a child process.
	EnvWorker = "KEEPER_WORKER"
	// EnvAsync is set to 1 in the environment of a child process when asynchronous I/O is enabled.
	EnvAsync = "KEEPER_WORKER_ASYNC"
)

// Descriptor number of the communication pipe in a child process.
// It is the first one after stdin, stdout and stderr.
const childPipeFd = 3

// The executable of the running program. Children are this executable started again.
var executable = "/proc/self/exe" //nolint:gochecknoglobals

// Handle is the master side bookkeeping for one worker process.
//
// A Handle spawns at most one process. When the process is reaped the handle is
// discarded and a replacement process gets a new Handle.
type Handle struct {
	owner     Owner
	container any
	name      string
	async     bool

	process *os.Process
	pid     int
	pipe    *os.File
	// We store the descriptor number because calling Fd on the pipe would put it into blocking mode.
	pipeFd int

	reopening bool
}

// NewHandle creates a handle for a worker of type name which belongs to owner.
func NewHandle(owner Owner, name string, async bool) *Handle {
	return &Handle{
		owner:     owner,
		container: owner.Container(),
		name:      name,
		async:     async,
		pipeFd:    -1,
	}
}

func (h *Handle) Name() string {
	return h.name
}

// Pid returns the PID of the spawned process, or 0 if nothing has been spawned.
func (h *Handle) Pid() int {
	return h.pid
}

// Pipe returns the master end of the communication pipe, or nil if nothing has been spawned.
func (h *Handle) Pipe() *os.File {
	return h.pipe
}

// PipeFd returns the descriptor number of the master end of the communication pipe, or -1.
func (h *Handle) PipeFd() int {
	return h.pipeFd
}

func (h *Handle) Async() bool {
	return h.async
}

// Container returns the dependency container shared by the owner. It is never inspected.
func (h *Handle) Container() any {
	return h.container
}

// MarkReopening records that the process is being terminated to be replaced.
func (h *Handle) MarkReopening() {
	h.reopening = true
}

// Reopening reports whether the process has been terminated to be replaced.
func (h *Handle) Reopening() bool {
	return h.reopening
}

// Spawn starts the worker process and returns its PID.
//
// When the owner's identity is resolved, the process is started with its group
// and user IDs (the kernel switches the group before the user). If switching
// fails, the process is not started and an error wrapping ErrPrivilegeDrop is returned.
func (h *Handle) Spawn() (int, errors.E) {
	if h.process != nil {
		errE := errors.New("worker already spawned")
		errors.Details(errE)["worker"] = h.name
		errors.Details(errE)["pid"] = h.pid
		return 0, errE
	}

	fds, e := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if e != nil {
		errE := errors.WithMessage(e, "unable to create communication pipe")
		errors.Details(errE)["worker"] = h.name
		return 0, errE
	}
	// The master end is non-blocking so that closing it interrupts pending reads.
	e = unix.SetNonblock(fds[0], true)
	if e != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		errE := errors.WithMessage(e, "unable to configure communication pipe")
		errors.Details(errE)["worker"] = h.name
		return 0, errE
	}
	pipe := os.NewFile(uintptr(fds[0]), fmt.Sprintf("%s/pipe", h.name))
	childPipe := os.NewFile(uintptr(fds[1]), fmt.Sprintf("%s/child-pipe", h.name))

	cmd := exec.Command(executable)
	cmd.Args = []string{processTitle(h.name)}
	cmd.Env = childEnv(os.Environ(), h.name, h.async)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// ExtraFiles[0] becomes childPipeFd.
	cmd.ExtraFiles = []*os.File{childPipe}
	cmd.SysProcAttr = &syscall.SysProcAttr{}

	identity := h.owner.Identity()
	if identity.Resolved() {
		cmd.SysProcAttr.Credential = &syscall.Credential{
			Uid: identity.UID,
			Gid: identity.GID,
		}
	}

	e = cmd.Start()

	// The child process has inherited the pipe, so close the copy held in this process.
	childPipe.Close()

	if e != nil {
		pipe.Close()
		var errE errors.E
		if identity.Resolved() && (errors.Is(e, unix.EPERM) || errors.Is(e, unix.EINVAL)) {
			errE = errors.Errorf("%w: %s", ErrPrivilegeDrop, e)
			errors.Details(errE)["uid"] = identity.UID
			errors.Details(errE)["gid"] = identity.GID
		} else {
			errE = errors.WithMessage(e, "unable to start worker process")
		}
		errors.Details(errE)["worker"] = h.name
		return 0, errE
	}

	h.process = cmd.Process
	h.pid = cmd.Process.Pid
	h.pipe = pipe
	h.pipeFd = fds[0]

	return h.pid, nil
}

// Kill sends sig to the process.
func (h *Handle) Kill(sig os.Signal) errors.E {
	if h.process == nil {
		errE := errors.WithStack(ErrNoProcess)
		return errE
	}
	e := h.process.Signal(sig)
	if e != nil {
		errE := errors.WithMessage(e, "unable to signal worker process")
		errors.Details(errE)["worker"] = h.name
		errors.Details(errE)["pid"] = h.pid
		return errE
	}
	return nil
}

// Stop sends SIGTERM to the process.
func (h *Handle) Stop() errors.E {
	return h.Kill(unix.SIGTERM)
}

// Release frees resources held for the process after it has been reaped.
// The master does not reap through the process handle, so it has to be released explicitly.
func (h *Handle) Release() {
	if h.pipe != nil {
		h.pipe.Close()
	}
	if h.process != nil {
		_ = h.process.Release()
	}
}

func processTitle(name string) string {
	return fmt.Sprintf("keeper: %s", name)
}

func childEnv(environ []string, name string, async bool) []string {
	env := make([]string, 0, len(environ)+2) //nolint:gomnd
	for _, kv := range environ {
		if strings.HasPrefix(kv, EnvWorker+"=") || strings.HasPrefix(kv, EnvAsync+"=") || strings.HasPrefix(kv, "KEEPER_DAEMONIZED=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, EnvWorker+"="+name)
	if async {
		env = append(env, EnvAsync+"=1")
	}
	return env
}
