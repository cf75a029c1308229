// Keeper runs a fixed set of worker processes and keeps them running.
//
// Only one keeper runs for a PID file: the file is locked with flock for as long
// as the master runs. Workers are the same executable started again with the
// worker name in the environment, because a Go program cannot fork itself.
// The master is controlled with signals:
//
//	SIGTERM  stop all workers and exit
//	SIGUSR1  replace all workers with new processes
//	SIGUSR2  ask all workers to reload in place
//
// We do not use waitpid(-1, ...) because it would interfere with other wait
// calls by the same process. Instead we wait on each worker PID explicitly.
// See: https://github.com/golang/go/issues/60481
package main

import (
	"os"

	"gitlab.com/tozd/keeper/internal/cli"
	"gitlab.com/tozd/keeper/internal/config"
	"gitlab.com/tozd/keeper/internal/heartbeat"
	"gitlab.com/tozd/keeper/internal/logging"
	"gitlab.com/tozd/keeper/internal/worker"
)

func main() {
	heartbeat.Register()

	if worker.IsChild() {
		// The master has already validated the log level.
		_ = logging.Configure(os.Getenv(config.EnvLogLevel))
		worker.Main(nil)
	}

	os.Exit(cli.Execute(nil))
}
