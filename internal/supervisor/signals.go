package supervisor

import (
	"context"
	"os"
	"os/signal"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/keeper/internal/logging"
	"gitlab.com/tozd/keeper/internal/pidfile"
	"gitlab.com/tozd/keeper/internal/worker"
)

var ErrNotRunning = errors.New("supervisor is not running")

// Run is the event loop of the running master. It returns once the master has
// terminated, which happens after SIGTERM when all workers have been reaped.
//
// Cancelling ctx is handled the same as receiving SIGTERM.
func (s *Supervisor) Run(ctx context.Context) errors.E {
	if !s.running {
		return errors.WithStack(ErrNotRunning)
	}

	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for s.running {
		select {
		case <-ctxDone:
			// Only once.
			ctxDone = nil
			logging.Infof("context cancelled")
			s.handle(unix.SIGTERM)
		case sig := <-s.signals:
			s.handle(sig)
		case ev := <-s.events:
			s.dispatch(ev)
		case <-ticker.C:
			// In case we missed SIGCHLD.
			s.onChildExit()
		}
	}

	return nil
}

func (s *Supervisor) handle(sig os.Signal) {
	switch sig {
	case unix.SIGTERM:
		s.onTerminate()
	case unix.SIGCHLD:
		s.onChildExit()
	case unix.SIGUSR1:
		s.onReopen()
	case unix.SIGUSR2:
		s.onReload()
	default:
		logging.Warnf("unexpected signal %s", sig)
	}
}

// dispatch passes data to the I/O event callback if the handle which read it
// is still tracked. A descriptor number is reused by the next spawned worker
// once the pipe of a reaped worker is closed, so the pipe alone does not
// identify the worker.
func (s *Supervisor) dispatch(ev ioEvent) {
	pid, ok := s.registry.PidForPipe(ev.pipe)
	if !ok || s.registry.Get(pid) != ev.handle {
		// The worker has already been reaped.
		logging.Debugf("dropping %d bytes from pipe %d of %s PID %d", len(ev.data), ev.pipe, ev.handle.Name(), ev.handle.Pid())
		return
	}
	s.onIOEvent(ev.handle, ev.data)
}

func (s *Supervisor) onTerminate() {
	logging.Infof("got SIGTERM")
	s.lastSignal = unix.SIGTERM

	if s.registry.Len() == 0 {
		s.terminate()
		return
	}

	for _, h := range s.registry.Handles() {
		logging.Infof("%s: stopping PID %d", h.Name(), h.Pid())
		err := h.Stop()
		if err != nil && !pidfile.ProcessNotExist(err) {
			logging.Warnf("%s: unable to stop PID %d: %s", h.Name(), h.Pid(), logging.Err(err))
		}
	}
}

func (s *Supervisor) onReopen() {
	if s.lastSignal == unix.SIGTERM {
		logging.Infof("ignoring SIGUSR1 while terminating")
		return
	}
	logging.Infof("got SIGUSR1, reopening workers")
	s.lastSignal = unix.SIGUSR1

	for _, h := range s.registry.Handles() {
		h.MarkReopening()
		err := h.Stop()
		if err != nil && !pidfile.ProcessNotExist(err) {
			logging.Warnf("%s: unable to stop PID %d: %s", h.Name(), h.Pid(), logging.Err(err))
		}
	}
}

func (s *Supervisor) onReload() {
	logging.Infof("got SIGUSR2, reloading workers")

	for _, h := range s.registry.Handles() {
		err := h.Kill(unix.SIGUSR1)
		if err != nil && !pidfile.ProcessNotExist(err) {
			logging.Warnf("%s: unable to reload PID %d: %s", h.Name(), h.Pid(), logging.Err(err))
		}
	}
}

// onChildExit reaps all exited workers. We wait only for PIDs we know about
// and never for any child, so that we do not reap processes started by
// some other part of the program.
func (s *Supervisor) onChildExit() {
	for {
		reapedAny := false
		for _, h := range s.registry.Handles() {
			var status unix.WaitStatus
			pid, e := s.wait4(h.Pid(), &status, unix.WNOHANG, nil)
			if errors.Is(e, unix.EINTR) {
				// Try again in the next pass.
				reapedAny = true
				continue
			} else if errors.Is(e, unix.ECHILD) {
				logging.Warnf("%s: PID %d is not our child", h.Name(), h.Pid())
				s.registry.Remove(h.Pid())
				h.Release()
				reapedAny = true
				continue
			} else if e != nil {
				logging.Errorf("%s: error waiting for PID %d: %s", h.Name(), h.Pid(), e)
				continue
			} else if pid == 0 {
				// Still running.
				continue
			}
			s.reaped(h, status)
			reapedAny = true
		}
		if !reapedAny {
			break
		}
	}

	if s.lastSignal == unix.SIGTERM && s.registry.Len() == 0 {
		s.terminate()
	}
}

func (s *Supervisor) reaped(h *worker.Handle, status unix.WaitStatus) {
	pid := h.Pid()
	s.registry.Remove(pid)
	h.Release()

	if status.Signaled() {
		logging.Infof("%s: PID %d finished with signal %s", h.Name(), pid, status.Signal())
	} else {
		logging.Infof("%s: PID %d finished with status %d", h.Name(), pid, status.ExitStatus())
	}

	if s.lastSignal == unix.SIGTERM {
		return
	}
	// Workers killed with SIGKILL are replaced as if they were reopened.
	if !h.Reopening() && !(status.Signaled() && status.Signal() == unix.SIGKILL) {
		return
	}

	_, err := s.spawn(h.Name())
	if err != nil {
		logging.Errorf("%s: unable to respawn: %s", h.Name(), logging.Err(err))
	}
}

func (s *Supervisor) terminate() {
	if !s.running {
		return
	}
	signal.Stop(s.signals)
	err := s.guard.Release()
	if err != nil {
		logging.Errorf("unable to release PID file: %s", logging.Err(err))
	}
	s.running = false
	close(s.done)
	logging.Infof("master terminated")
}
