// Package supervisor implements the master process which keeps a fixed set
// of worker processes running.
//
// The master owns the PID file (only one master runs at a time), spawns the
// configured workers, and then reacts to signals:
//
//   - SIGTERM stops all workers and exits once all of them have been reaped.
//   - SIGCHLD reaps exited workers. Workers which were terminated as part of a
//     reopen, or which were killed with SIGKILL, are replaced with a new process.
//   - SIGUSR1 (reopen) terminates all workers so that they are replaced.
//   - SIGUSR2 (reload) forwards SIGUSR1 to all workers, which refresh in place.
//
// Signals are handled one at a time from the event loop in Run. There is no
// escalation to SIGKILL: if a worker ignores SIGTERM, the master waits for it.
package supervisor

import (
	"os"
	"path/filepath"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/keeper/internal/config"
	"gitlab.com/tozd/keeper/internal/pidfile"
	"gitlab.com/tozd/keeper/internal/worker"
)

// Forced takeover sends SIGTERM to the running instance up to forceAttempts times
// and after each waits up to forceGrace for it to exit, polling every forcePoll.
const (
	forceAttempts = 5
	forceGrace    = 3 * time.Second
	forcePoll     = 100 * time.Millisecond
)

// It is OK if some SIGCHLD signal is missed because we are checking
// for exited workers at a regular interval anyway.
const reapInterval = time.Second

// Process title is truncated by the kernel to this many bytes.
const maxProcessTitle = 15

var (
	ErrTakeoverFailed = errors.New("running instance did not exit")
	ErrDaemonized     = errors.New("continuing in the background")
	ErrNotConfigured  = errors.New("PID file is not configured")
	ErrRunning        = errors.New("supervisor is already running")
)

// IOEventFunc is called from the event loop with data a worker wrote to its communication pipe.
type IOEventFunc func(h *worker.Handle, data []byte)

func noopIOEvent(_ *worker.Handle, _ []byte) {}

// ioEvent is data read from the pipe of handle.
type ioEvent struct {
	handle *worker.Handle
	pipe   int
	data   []byte
}

// Supervisor is the master state. Create it with New.
type Supervisor struct {
	container any

	daemon      bool
	pidFile     string
	processName string
	identity    *worker.Identity
	bootstrap   []string
	async       bool
	onIOEvent   IOEventFunc

	pid        int
	guard      *pidfile.Guard
	registry   *Registry
	lastSignal os.Signal
	running    bool

	signals chan os.Signal
	events  chan ioEvent
	done    chan struct{}

	// These are replaced in tests.
	kill  func(pid int, sig unix.Signal) error
	wait4 func(pid int, status *unix.WaitStatus, options int, rusage *unix.Rusage) (int, error)
}

// New creates a supervisor which passes container unmodified to every worker handle.
func New(container any) *Supervisor {
	return &Supervisor{
		container: container,
		onIOEvent: noopIOEvent,
		registry:  NewRegistry(),
		kill:      unix.Kill,
		wait4:     unix.Wait4,
	}
}

// Configure applies all set fields of cfg.
func (s *Supervisor) Configure(cfg config.Config) errors.E {
	if cfg.PidFile != "" {
		err := s.SetPidFile(cfg.PidFile)
		if err != nil {
			return err
		}
	}
	if cfg.Daemon != nil {
		s.SetDaemon(bool(*cfg.Daemon))
	}
	if cfg.ProcessName != "" {
		s.SetProcessName(cfg.ProcessName)
	}
	// Group first, as in the order the identity is switched to.
	if cfg.Group != "" {
		err := s.SetGroup(cfg.Group)
		if err != nil {
			return err
		}
	}
	if cfg.User != "" {
		err := s.SetUser(cfg.User)
		if err != nil {
			return err
		}
	}
	if cfg.Bootstrap != nil {
		err := s.SetBootstrap(cfg.Bootstrap)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) SetDaemon(daemon bool) {
	s.daemon = daemon
}

// SetPidFile sets the PID file path. A relative path is made absolute.
func (s *Supervisor) SetPidFile(path string) errors.E {
	p, e := filepath.Abs(path)
	if e != nil {
		errE := errors.WithMessage(e, "invalid PID file path")
		errors.Details(errE)["path"] = path
		return errE
	}
	s.pidFile = p
	return nil
}

func (s *Supervisor) SetProcessName(name string) {
	s.processName = name
}

// SetUser resolves the user workers run as. It fails if the user does not exist.
func (s *Supervisor) SetUser(name string) errors.E {
	identity := s.identityCopy()
	err := identity.SetUser(name)
	if err != nil {
		return err
	}
	s.identity = identity
	return nil
}

// SetGroup resolves the group workers run as. It fails if the group does not exist.
func (s *Supervisor) SetGroup(name string) errors.E {
	identity := s.identityCopy()
	err := identity.SetGroup(name)
	if err != nil {
		return err
	}
	s.identity = identity
	return nil
}

func (s *Supervisor) identityCopy() *worker.Identity {
	if s.identity == nil {
		return &worker.Identity{}
	}
	identity := *s.identity
	return &identity
}

// SetBootstrap sets worker types (by name) spawned on start, in order.
// All of them must be registered.
func (s *Supervisor) SetBootstrap(names []string) errors.E {
	for _, name := range names {
		_, err := worker.Lookup(name)
		if err != nil {
			return err
		}
	}
	s.bootstrap = append([]string{}, names...)
	return nil
}

// SetAsync enables asynchronous I/O on the communication pipe in workers.
func (s *Supervisor) SetAsync(async bool) {
	s.async = async
}

// SetIOEventCallback sets the function called with data workers write to their
// communication pipes. By default such data is discarded.
func (s *Supervisor) SetIOEventCallback(f IOEventFunc) {
	if f == nil {
		f = noopIOEvent
	}
	s.onIOEvent = f
}

func (s *Supervisor) Daemon() bool {
	return s.daemon
}

func (s *Supervisor) PidFile() string {
	return s.pidFile
}

func (s *Supervisor) ProcessName() string {
	return s.processName
}

// Identity returns the identity workers run as, or nil if none is configured.
func (s *Supervisor) Identity() *worker.Identity {
	return s.identity
}

func (s *Supervisor) Bootstrap() []string {
	return append([]string{}, s.bootstrap...)
}

// Container returns the dependency container. It is never inspected.
func (s *Supervisor) Container() any {
	return s.container
}

// Registry returns the registry of running workers. It must be accessed
// only when the event loop is not running.
func (s *Supervisor) Registry() *Registry {
	return s.registry
}

// Running reports whether this instance is the running master.
func (s *Supervisor) Running() bool {
	return s.running
}
