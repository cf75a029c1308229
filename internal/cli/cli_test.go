package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/tozd/keeper/internal/config"
	"gitlab.com/tozd/keeper/internal/pidfile"
	"gitlab.com/tozd/keeper/internal/supervisor"
	"gitlab.com/tozd/keeper/internal/worker"
)

type noopWorker struct{}

func (noopWorker) RunProcess(ctx context.Context, _ *worker.Process) error {
	<-ctx.Done()
	return nil
}

func init() { //nolint:gochecknoinits
	worker.Register("cli-test", func() worker.Worker { return noopWorker{} })
}

// setup writes a configuration file with a PID file in a temporary directory.
func setup(t *testing.T) (string, string) {
	t.Helper()

	for _, env := range []string{config.EnvPidFile, config.EnvDaemon, config.EnvBootstrap, config.EnvLogLevel} {
		// Restored after the test.
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "keeper.pid")
	configPath := filepath.Join(dir, "keeper.yml")
	require.NoError(t, os.WriteFile(configPath, []byte("pid_file: "+pidFile+"\nlog_level: none\n"), 0o600))
	return configPath, pidFile
}

func run(ctx context.Context, t *testing.T, args ...string) (int, string) {
	t.Helper()

	var out bytes.Buffer
	rootCmd := NewRootCommand(nil)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	code := execute(ctx, rootCmd)
	return code, out.String()
}

func hold(t *testing.T, path string) *pidfile.Guard {
	t.Helper()

	g := &pidfile.Guard{Path: path}
	require.NoError(t, g.EnsureSingleton())
	require.NoError(t, g.RefreshPayload(os.Getpid()))
	t.Cleanup(func() {
		_ = g.Release()
	})
	return g
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitSuccess, exitCode(nil))
	assert.Equal(t, exitSuccess, exitCode(supervisor.ErrDaemonized))
	assert.Equal(t, exitAlreadyRunning, exitCode(&pidfile.ConflictError{Path: "keeper.pid", Pid: 42}))
	assert.Equal(t, exitKeeperFailure, exitCode(supervisor.ErrTakeoverFailed))
}

func TestPid(t *testing.T) {
	configPath, pidFile := setup(t)

	code, _ := run(context.Background(), t, "--config", configPath, "pid")
	assert.Equal(t, exitKeeperFailure, code)

	hold(t, pidFile)

	code, out := run(context.Background(), t, "--config", configPath, "pid")
	assert.Equal(t, exitSuccess, code)
	assert.Equal(t, strconv.Itoa(os.Getpid())+"\n", out)
}

func TestStartAlreadyRunning(t *testing.T) {
	configPath, pidFile := setup(t)

	g := hold(t, pidFile)

	code, _ := run(context.Background(), t, "--config", configPath, "start", "--bootstrap", "cli-test")
	assert.Equal(t, exitAlreadyRunning, code)
	assert.True(t, g.Held())
	assert.FileExists(t, pidFile)
}

func TestStartUnknownWorker(t *testing.T) {
	configPath, pidFile := setup(t)

	code, _ := run(context.Background(), t, "--config", configPath, "start", "--bootstrap", "missing")
	assert.Equal(t, exitKeeperFailure, code)
	assert.NoFileExists(t, pidFile)
}

func TestInvalidLogLevel(t *testing.T) {
	configPath, _ := setup(t)

	code, _ := run(context.Background(), t, "--config", configPath, "--log-level", "verbose", "workers")
	assert.Equal(t, exitKeeperFailure, code)
}

func TestMissingConfig(t *testing.T) {
	setup(t)

	code, _ := run(context.Background(), t, "--config", filepath.Join(t.TempDir(), "missing.yml"), "workers")
	assert.Equal(t, exitKeeperFailure, code)
}

func TestWorkers(t *testing.T) {
	configPath, _ := setup(t)

	code, out := run(context.Background(), t, "--config", configPath, "workers")
	assert.Equal(t, exitSuccess, code)
	assert.Contains(t, strings.Split(out, "\n"), "cli-test")
}

func TestStopNotRunning(t *testing.T) {
	configPath, _ := setup(t)

	code, _ := run(context.Background(), t, "--config", configPath, "stop")
	assert.Equal(t, exitSuccess, code)
}

func TestStartRun(t *testing.T) {
	configPath, pidFile := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)
	go func() {
		code, _ := run(ctx, t, "--config", configPath, "start")
		done <- code
	}()

	require.Eventually(t, func() bool {
		pid, err := pidfile.ReadPid(pidFile)
		return err == nil && pid == os.Getpid()
	}, 10*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case code := <-done:
		assert.Equal(t, exitSuccess, code)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "start has not returned")
	}
	assert.NoFileExists(t, pidFile)
}
