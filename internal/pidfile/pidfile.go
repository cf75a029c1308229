// Package pidfile guarantees that only one instance owns a PID file at a time.
//
// Ownership is an advisory exclusive flock on the file, held for the whole
// lifetime of the owning instance. The content of the file is the decimal PID
// of the owner. A file which exists but is not locked by anyone is not owned.
package pidfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Maximum number of bytes read from a PID file.
const maxPayload = 64

var (
	ErrSingletonConflict = errors.New("running instance holds the PID file")
	ErrInvalidPid        = errors.New("invalid PID in PID file")
	ErrNotHeld           = errors.New("PID file lock is not held")
)

// ConflictError is returned when another live instance holds the lock
// and eviction was not requested.
type ConflictError struct {
	Path string
	Pid  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("have running instance (PID: %d)", e.Pid)
}

func (e *ConflictError) Unwrap() error {
	return ErrSingletonConflict
}

// IOError is returned when the PID file cannot be created, opened, locked or written.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("PID file %s: %s: %s", e.Path, e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioFailure(op, path string, err error) errors.E {
	return errors.WithStack(&IOError{Op: op, Path: path, Err: err})
}

// Guard owns the PID file path and, once acquired, the locked descriptor.
//
// Guard is not safe for concurrent use. Different Guards (even in the same
// process) for the same path do exclude each other because flock locks belong
// to the open file description.
type Guard struct {
	Path string

	// Evict makes EnsureSingleton terminate a running instance and wait
	// for it to release the lock instead of failing with a ConflictError.
	Evict bool

	// Kill is used to signal the running instance when evicting. Defaults to unix.Kill.
	Kill func(pid int, sig unix.Signal) error

	LogInfof func(msg string, args ...any)

	file *os.File
}

// Held reports whether this guard holds the lock.
func (g *Guard) Held() bool {
	return g.file != nil
}

// File returns the locked descriptor, or nil if the lock is not held.
func (g *Guard) File() *os.File {
	return g.file
}

func (g *Guard) kill(pid int, sig unix.Signal) error {
	if g.Kill != nil {
		return g.Kill(pid, sig)
	}
	return unix.Kill(pid, sig)
}

func (g *Guard) logInfof(msg string, args ...any) {
	if g.LogInfof != nil {
		g.LogInfof(msg, args...)
	}
}

// EnsureSingleton acquires the exclusive lock on the PID file, creating the
// file and its parent directory when missing.
//
// When the lock is held by another instance and Evict is false, it returns a
// *ConflictError with the PID recorded in the file. When Evict is true, it sends
// SIGTERM to that PID and then blocks until the lock can be acquired. This wait
// has no timeout: if the running instance never releases the lock,
// EnsureSingleton never returns. After the running instance releases the lock
// the whole check is repeated.
func (g *Guard) EnsureSingleton() errors.E {
	if g.file != nil {
		return nil
	}

	for {
		f, err := g.open()
		if err != nil {
			return err
		}

		locked, err := tryLock(f, g.Path, unix.LOCK_EX)
		if err != nil {
			f.Close()
			return err
		}
		if locked {
			// The file could have been removed (and possibly recreated) by the previous owner
			// between us opening it and locking it. Then we hold a lock nobody else can see.
			same, err := sameFile(f, g.Path)
			if err != nil {
				f.Close()
				return err
			}
			if !same {
				f.Close()
				continue
			}
			g.file = f
			return nil
		}

		// The holder might not have written its PID yet. The lock is what
		// matters, so we then report the conflict with an unknown PID 0.
		pid, err := readPid(f, g.Path)
		if err != nil && !errors.Is(err, ErrInvalidPid) {
			f.Close()
			return err
		}

		if !g.Evict {
			f.Close()
			return errors.WithStack(&ConflictError{Path: g.Path, Pid: pid})
		}

		err = g.evict(f, pid)
		f.Close()
		if err != nil {
			return err
		}
	}
}

// evict signals the running instance and blocks until it releases the lock.
func (g *Guard) evict(f *os.File, pid int) errors.E {
	// We must never signal PID 0 because that signals our whole process group.
	if pid > 0 {
		g.logInfof("sending SIGTERM to running instance with PID %d", pid)
		e := g.kill(pid, unix.SIGTERM)
		if e != nil && !ProcessNotExist(e) {
			errE := errors.WithMessage(e, "unable to terminate running instance")
			errors.Details(errE)["pid"] = pid
			return errE
		}
	}

	g.logInfof("waiting for running instance with PID %d to release %s", pid, g.Path)
	err := lock(f, g.Path, unix.LOCK_EX)
	if err != nil {
		return err
	}
	return lock(f, g.Path, unix.LOCK_UN)
}

func (g *Guard) open() (*os.File, errors.E) {
	dir := filepath.Dir(g.Path)
	_, e := os.Stat(dir)
	if errors.Is(e, os.ErrNotExist) {
		e = os.MkdirAll(dir, dirPerm)
		if e != nil {
			return nil, ioFailure("create directory", g.Path, e)
		}
	} else if e != nil {
		return nil, ioFailure("stat directory", g.Path, e)
	}

	f, e := os.OpenFile(g.Path, os.O_RDWR|os.O_CREATE, filePerm)
	if e != nil {
		return nil, ioFailure("open", g.Path, e)
	}
	return f, nil
}

// Adopt takes over a descriptor for the PID file which is already locked, e.g.,
// one inherited from the parent process across daemonization. It verifies that
// the lock is indeed held through this descriptor.
func (g *Guard) Adopt(f *os.File) errors.E {
	// Locking again through the same open file description converts the existing
	// lock and succeeds, while a descriptor without the lock fails here.
	locked, err := tryLock(f, g.Path, unix.LOCK_EX)
	if err != nil {
		return err
	}
	if !locked {
		return errors.WithStack(ErrNotHeld)
	}
	same, err := sameFile(f, g.Path)
	if err != nil {
		return err
	}
	if !same {
		return errors.WithStack(ErrNotHeld)
	}
	g.file = f
	return nil
}

// RefreshPayload replaces the content of the held PID file with pid.
func (g *Guard) RefreshPayload(pid int) errors.E {
	if g.file == nil {
		return errors.WithStack(ErrNotHeld)
	}
	e := g.file.Truncate(0)
	if e != nil {
		return ioFailure("truncate", g.Path, e)
	}
	_, e = g.file.WriteAt([]byte(strconv.Itoa(pid)), 0)
	if e != nil {
		return ioFailure("write", g.Path, e)
	}
	e = g.file.Sync()
	if e != nil {
		return ioFailure("sync", g.Path, e)
	}
	return nil
}

// Release unlocks and closes the held descriptor and removes the PID file.
// It does nothing if this guard does not hold the lock.
func (g *Guard) Release() errors.E {
	if g.file == nil {
		return nil
	}
	f := g.file
	g.file = nil

	// We remove the file while still holding the lock so that nobody
	// can lock the file we are about to remove.
	e := os.Remove(g.Path)
	if e != nil && !errors.Is(e, os.ErrNotExist) {
		f.Close()
		return ioFailure("remove", g.Path, e)
	}
	err := lock(f, g.Path, unix.LOCK_UN)
	e = f.Close()
	if err != nil {
		return err
	}
	if e != nil {
		return ioFailure("close", g.Path, e)
	}
	return nil
}

// Detach closes the held descriptor without unlocking it or removing the file.
// The lock stays held as long as some other process has the same open file
// description, e.g., inherited through exec. It does nothing if this guard
// does not hold the lock.
func (g *Guard) Detach() errors.E {
	if g.file == nil {
		return nil
	}
	f := g.file
	g.file = nil
	e := f.Close()
	if e != nil {
		return ioFailure("close", g.Path, e)
	}
	return nil
}

// ReadPid reads the PID recorded in the file at path without requiring
// (or checking) the lock.
func ReadPid(path string) (int, errors.E) {
	f, e := os.Open(path)
	if e != nil {
		return 0, ioFailure("open", path, e)
	}
	defer f.Close()
	return readPid(f, path)
}

// HolderPid returns the PID recorded in the file at path if some process
// currently holds the lock on it. A missing file is not an error.
func HolderPid(path string) (int, bool, errors.E) {
	f, e := os.Open(path)
	if errors.Is(e, os.ErrNotExist) {
		return 0, false, nil
	} else if e != nil {
		return 0, false, ioFailure("open", path, e)
	}
	defer f.Close()

	// A shared lock is enough to detect the holder and does not conflict
	// with other processes inspecting the file at the same time.
	locked, err := tryLock(f, path, unix.LOCK_SH)
	if err != nil {
		return 0, false, err
	}
	if locked {
		// Nobody holds it. The file is stale.
		return 0, false, lock(f, path, unix.LOCK_UN)
	}

	pid, err := readPid(f, path)
	if err != nil {
		return 0, false, err
	}
	return pid, true, nil
}

func readPid(f *os.File, path string) (int, errors.E) {
	data, e := io.ReadAll(io.NewSectionReader(f, 0, maxPayload))
	if e != nil {
		return 0, ioFailure("read", path, e)
	}
	s := strings.TrimSpace(string(data))
	pid, e := strconv.Atoi(s)
	if e != nil || pid <= 0 {
		var errE errors.E
		if e != nil {
			errE = errors.Errorf("%w: %s", ErrInvalidPid, e)
		} else {
			errE = errors.Errorf("%w: PID must be positive", ErrInvalidPid)
		}
		errors.Details(errE)["path"] = path
		errors.Details(errE)["value"] = s
		return 0, errE
	}
	return pid, nil
}

// tryLock takes the lock of kind how (LOCK_EX or LOCK_SH) without blocking.
func tryLock(f *os.File, path string, how int) (bool, errors.E) {
	err := lock(f, path, how|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, unix.EWOULDBLOCK) {
		return false, nil
	}
	return false, err
}

func lock(f *os.File, path string, how int) errors.E {
	for {
		e := unix.Flock(int(f.Fd()), how)
		if e == unix.EINTR { //nolint:errorlint
			continue
		}
		if e != nil {
			return ioFailure("flock", path, e)
		}
		return nil
	}
}

func sameFile(f *os.File, path string) (bool, errors.E) {
	fi, e := f.Stat()
	if e != nil {
		return false, ioFailure("stat", path, e)
	}
	pi, e := os.Stat(path)
	if errors.Is(e, os.ErrNotExist) {
		return false, nil
	} else if e != nil {
		return false, ioFailure("stat", path, e)
	}
	return os.SameFile(fi, pi), nil
}
