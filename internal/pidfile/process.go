package pidfile

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"syscall"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"
)

var procStatRegexp = regexp.MustCompile(`\((.*)\) (.)`)

// ProcessNotExist reports whether err means that the process does not exist (anymore).
func ProcessNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ESRCH) || errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone)
}

// ProcessExists reports whether a process with pid exists and has not exited.
// Zombie processes have exited.
func ProcessExists(pid int) bool {
	e := unix.Kill(pid, 0)
	if e != nil && !errors.Is(e, unix.EPERM) {
		return false
	}
	zombie, err := IsZombie(pid)
	if err != nil {
		return !errors.Is(err, os.ErrProcessDone)
	}
	return !zombie
}

// IsZombie reports whether the process with pid has exited but has not
// been waited on yet.
func IsZombie(pid int) (bool, errors.E) {
	statPath := fmt.Sprintf("/proc/%d/stat", pid)
	statData, e := os.ReadFile(statPath)
	if e != nil {
		if ProcessNotExist(e) {
			return false, errors.WithStack(os.ErrProcessDone)
		}
		return false, errors.WithStack(e)
	}
	match := procStatRegexp.FindSubmatch(statData)
	if len(match) != 3 { //nolint:gomnd
		errE := errors.New("could not match process status")
		errors.Details(errE)["path"] = statPath
		errors.Details(errE)["data"] = string(statData)
		return false, errE
	}
	return string(match[2]) == "Z", nil
}

// ProcessCommandLine returns the command line of the process with pid,
// arguments separated by spaces.
func ProcessCommandLine(pid int) (string, errors.E) {
	cmdlinePath := fmt.Sprintf("/proc/%d/cmdline", pid)
	cmdlineData, e := os.ReadFile(cmdlinePath)
	if e != nil {
		if ProcessNotExist(e) {
			return "", errors.WithStack(os.ErrProcessDone)
		}
		return "", errors.WithStack(e)
	}
	return strings.TrimRight(string(bytes.ReplaceAll(cmdlineData, []byte("\x00"), []byte(" "))), " "), nil
}

// WaitExit polls every interval until the process with pid has exited.
// It returns true if the process exited, false if ctx was done first.
func WaitExit(ctx context.Context, pid int, interval time.Duration) bool {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if !ProcessExists(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
