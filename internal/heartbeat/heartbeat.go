// Package heartbeat provides the builtin heartbeat worker.
//
// The worker periodically reports to the master over its communication pipe.
// It is useful to check that a keeper installation works and as an example
// of a worker.
package heartbeat

import (
	"context"
	"fmt"
	"os"
	"time"

	"gitlab.com/tozd/go/errors"

	"gitlab.com/tozd/keeper/internal/logging"
	"gitlab.com/tozd/keeper/internal/worker"
)

// Name under which the worker is registered.
const Name = "heartbeat"

// EnvInterval overrides the default interval between heartbeats.
const EnvInterval = "KEEPER_HEARTBEAT_INTERVAL"

const defaultInterval = 10 * time.Second

// Worker writes "heartbeat <PID> <count>" lines to the communication pipe.
type Worker struct {
	Interval time.Duration
}

// New returns the worker configured from the environment.
func New() worker.Worker {
	interval := defaultInterval
	if v := os.Getenv(EnvInterval); v != "" {
		d, e := time.ParseDuration(v)
		if e != nil || d <= 0 {
			logging.Warnf("invalid %s value %q, using %s", EnvInterval, v, defaultInterval)
		} else {
			interval = d
		}
	}
	return &Worker{Interval: interval}
}

// Register registers the worker under Name.
func Register() {
	worker.Register(Name, New)
}

func (w *Worker) RunProcess(ctx context.Context, p *worker.Process) error {
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-ctx.Done():
			logging.Infof("stopping after %d heartbeats", count)
			return nil
		case <-p.Reload():
			logging.Infof("reloaded after %d heartbeats", count)
			count = 0
		case <-ticker.C:
			count++
			_, e := fmt.Fprintf(p.Pipe, "heartbeat %d %d\n", p.Pid, count)
			if e != nil {
				errE := errors.WithMessage(e, "unable to write heartbeat")
				errors.Details(errE)["count"] = count
				return errE
			}
		}
	}
}

// OnReadable logs whatever the master writes to the communication pipe.
func (w *Worker) OnReadable(_ *worker.Process, data []byte) {
	logging.Infof("received %d bytes from master", len(data))
}
