package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/keeper/internal/logging"
	"gitlab.com/tozd/keeper/internal/pidfile"
	"gitlab.com/tozd/keeper/internal/worker"
)

// EnvDaemonized is set in the environment of the re-executed daemon process.
const EnvDaemonized = "KEEPER_DAEMONIZED"

// Descriptor number of the locked PID file in the re-executed daemon process.
const daemonPidFileFd = 3

// The executable of the running program.
var executable = "/proc/self/exe" //nolint:gochecknoglobals

const readBufferSize = 4096

// Start makes this process the running master and spawns bootstrap workers.
// It returns the PID of the master.
//
// If another instance holds the PID file, Start fails with a *pidfile.ConflictError
// unless force is true. Then it terminates the running instance, waits for it
// to exit, and tries again, a bounded number of times.
//
// In daemon mode, the calling process starts a detached copy of itself which
// continues as the master, and Start returns ErrDaemonized in the calling process.
func (s *Supervisor) Start(ctx context.Context, force bool) (int, errors.E) {
	if s.running {
		return 0, errors.WithStack(ErrRunning)
	}
	if s.pidFile == "" {
		return 0, errors.WithStack(ErrNotConfigured)
	}

	s.guard = &pidfile.Guard{
		Path:     s.pidFile,
		LogInfof: func(msg string, args ...any) { logging.Infof(msg, args...) },
		Kill:     s.kill,
	}

	daemonized := os.Getenv(EnvDaemonized) == "1"
	if daemonized {
		// We have been started by daemonize and inherited the already locked PID file.
		os.Unsetenv(EnvDaemonized)
		err := s.guard.Adopt(os.NewFile(daemonPidFileFd, s.pidFile))
		if err != nil {
			return 0, err
		}
	} else {
		err := s.acquire(ctx, force)
		if err != nil {
			return 0, err
		}
		if s.daemon {
			err := s.daemonize()
			if err != nil {
				_ = s.guard.Release()
				return 0, err
			}
			// The lock stays held by the daemon process through the inherited descriptor.
			err = s.guard.Detach()
			if err != nil {
				logging.Warnf("unable to close PID file: %s", logging.Err(err))
			}
			return 0, errors.WithStack(ErrDaemonized)
		}
	}

	s.pid = os.Getpid()
	err := s.guard.RefreshPayload(s.pid)
	if err != nil {
		_ = s.guard.Release()
		return 0, err
	}

	if s.processName != "" {
		setProcessTitle(s.processName)
	}

	s.signals = make(chan os.Signal, 16) //nolint:gomnd
	s.events = make(chan ioEvent, 16)    //nolint:gomnd
	s.done = make(chan struct{})
	signal.Notify(s.signals, unix.SIGTERM, unix.SIGCHLD, unix.SIGUSR1, unix.SIGUSR2)

	s.running = true
	logging.Infof("master running with PID %d", s.pid)

	for _, name := range s.bootstrap {
		_, err := s.spawn(name)
		if err != nil {
			s.abort()
			return 0, err
		}
	}

	return s.pid, nil
}

// acquire obtains the PID file lock, terminating the running instance if force is true.
func (s *Supervisor) acquire(ctx context.Context, force bool) errors.E {
	for attempt := 1; ; attempt++ {
		err := s.guard.EnsureSingleton()
		if err == nil {
			return nil
		}
		var conflict *pidfile.ConflictError
		if !force || !errors.As(err, &conflict) {
			return err
		}
		if attempt > forceAttempts {
			errE := errors.Errorf("%w: PID %d", ErrTakeoverFailed, conflict.Pid)
			errors.Details(errE)["pid"] = conflict.Pid
			errors.Details(errE)["attempts"] = forceAttempts
			return errE
		}
		// PID 0 means the running instance has not yet written its PID.
		if conflict.Pid > 0 {
			cmdline, _ := pidfile.ProcessCommandLine(conflict.Pid)
			if cmdline != "" {
				cmdline = ": " + cmdline
			}
			logging.Infof("sending SIGTERM to running instance with PID %d (attempt %d)%s", conflict.Pid, attempt, cmdline)
			e := s.kill(conflict.Pid, unix.SIGTERM)
			if e != nil && !pidfile.ProcessNotExist(e) {
				errE := errors.WithMessage(e, "unable to terminate running instance")
				errors.Details(errE)["pid"] = conflict.Pid
				return errE
			}
		}
		waitCtx, cancel := context.WithTimeout(ctx, forceGrace)
		exited := conflict.Pid <= 0 || pidfile.WaitExit(waitCtx, conflict.Pid, forcePoll)
		cancel()
		if ctx.Err() != nil {
			return errors.WithStack(ctx.Err())
		}
		if !exited {
			logging.Warnf("running instance with PID %d has not exited yet", conflict.Pid)
		}
	}
}

// daemonize starts a detached copy of the running program in a new session
// which inherits the locked PID file descriptor.
func (s *Supervisor) daemonize() errors.E {
	devNull, e := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if e != nil {
		return errors.WithStack(e)
	}
	defer devNull.Close()

	cmd := exec.Command(executable, os.Args[1:]...)
	cmd.Args = append([]string{os.Args[0]}, os.Args[1:]...)
	cmd.Env = append(os.Environ(), EnvDaemonized+"=1")
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	// ExtraFiles[0] becomes daemonPidFileFd.
	cmd.ExtraFiles = []*os.File{s.guard.File()}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	e = cmd.Start()
	if e != nil {
		return errors.WithMessage(e, "unable to start daemon process")
	}
	logging.Infof("daemon running with PID %d", cmd.Process.Pid)

	// We never wait for the daemon. It gets reparented once we exit.
	_ = cmd.Process.Release()
	return nil
}

// abort undoes a partially successful Start.
func (s *Supervisor) abort() {
	for _, h := range s.registry.Handles() {
		err := h.Stop()
		if err != nil && !pidfile.ProcessNotExist(err) {
			logging.Warnf("%s: unable to stop PID %d: %s", h.Name(), h.Pid(), logging.Err(err))
		}
		s.registry.Remove(h.Pid())
		h.Release()
	}
	signal.Stop(s.signals)
	s.running = false
	close(s.done)
	err := s.guard.Release()
	if err != nil {
		logging.Errorf("unable to release PID file: %s", logging.Err(err))
	}
}

// spawn starts a new worker of type name and tracks it.
func (s *Supervisor) spawn(name string) (*worker.Handle, errors.E) {
	h := worker.NewHandle(s, name, s.async)
	pid, err := h.Spawn()
	if err != nil {
		return nil, err
	}
	s.registry.Add(h)
	go s.watch(h)
	logging.Infof("%s: running with PID %d", name, pid)
	return h, nil
}

// watch forwards data read from the pipe of h to the event loop until the pipe is closed.
func (s *Supervisor) watch(h *worker.Handle) {
	pipe := h.Pipe()
	fd := h.PipeFd()
	buffer := make([]byte, readBufferSize)
	for {
		n, e := pipe.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			select {
			case s.events <- ioEvent{handle: h, pipe: fd, data: data}:
			case <-s.done:
				return
			}
		}
		if e != nil {
			if !errors.Is(e, io.EOF) && !errors.Is(e, os.ErrClosed) {
				logging.Warnf("error reading %s: %s", pipe.Name(), e)
			}
			return
		}
	}
}

// Stop asks the running instance recorded in the PID file to terminate.
// It does not wait for it to do so. It does nothing if no instance is running.
func (s *Supervisor) Stop() errors.E {
	if s.pidFile == "" {
		return errors.WithStack(ErrNotConfigured)
	}
	pid, held, err := pidfile.HolderPid(s.pidFile)
	if err != nil || !held || pid <= 0 {
		// Best effort.
		if err != nil {
			logging.Debugf("unable to read PID file: %s", logging.Err(err))
		}
		return nil
	}
	logging.Infof("sending SIGTERM to running instance with PID %d", pid)
	e := s.kill(pid, unix.SIGTERM)
	if e != nil && !pidfile.ProcessNotExist(e) {
		errE := errors.WithMessage(e, "unable to terminate running instance")
		errors.Details(errE)["pid"] = pid
		return errE
	}
	return nil
}

// Pid returns the PID of this process if it is the running master, otherwise
// the PID recorded in the PID file, without checking that it is locked.
func (s *Supervisor) Pid() (int, errors.E) {
	if s.running {
		return s.pid, nil
	}
	if s.pidFile == "" {
		return 0, errors.WithStack(ErrNotConfigured)
	}
	return pidfile.ReadPid(s.pidFile)
}

func setProcessTitle(title string) {
	if len(title) > maxProcessTitle {
		title = title[:maxProcessTitle]
	}
	// /proc/self/comm is the name of the main thread, which is what ps shows.
	e := os.WriteFile("/proc/self/comm", []byte(title), 0)
	if e != nil {
		logging.Warnf("unable to set process title: %s", e)
	}
}
