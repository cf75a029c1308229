package worker_test

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/keeper/internal/worker"
)

type echoWorker struct{}

func (echoWorker) RunProcess(ctx context.Context, p *worker.Process) error {
	_, err := fmt.Fprintf(p.Pipe, "ready %d\n", p.Pid)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintf(p.Pipe, "stopping\n")
			return nil
		case <-p.Reload():
			_, _ = fmt.Fprintf(p.Pipe, "reloaded\n")
		}
	}
}

type echoBackWorker struct {
	echoWorker
}

func (echoBackWorker) OnReadable(p *worker.Process, data []byte) {
	_, _ = p.Write(data)
}

type failingWorker struct{}

func (failingWorker) RunProcess(_ context.Context, _ *worker.Process) error {
	return errors.New("test failure")
}

func init() { //nolint:gochecknoinits
	worker.Register("echo", func() worker.Worker { return echoWorker{} })
	worker.Register("echoback", func() worker.Worker { return echoBackWorker{} })
	worker.Register("failing", func() worker.Worker { return failingWorker{} })
}

func TestMain(m *testing.M) {
	// The test binary is started again as a worker process.
	if worker.IsChild() {
		worker.Main(nil)
	}
	os.Exit(m.Run())
}

type owner struct {
	identity *worker.Identity
}

func (o *owner) Identity() *worker.Identity {
	return o.identity
}

func (o *owner) Container() any {
	return "container"
}

func readLine(t *testing.T, h *worker.Handle, r *bufio.Reader) string {
	t.Helper()
	require.NoError(t, h.Pipe().SetReadDeadline(time.Now().Add(10*time.Second)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

func wait(t *testing.T, pid int) unix.WaitStatus {
	t.Helper()
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &status, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		require.NoError(t, err)
		return status
	}
}

func TestRegistry(t *testing.T) {
	factory, err := worker.Lookup("echo")
	require.NoError(t, err)
	assert.IsType(t, echoWorker{}, factory())

	_, err = worker.Lookup("missing")
	assert.ErrorIs(t, err, worker.ErrUnknownWorker)
	assert.Equal(t, "missing", errors.Details(err)["worker"])

	assert.Subset(t, worker.Registered(), []string{"echo", "echoback", "failing"})

	assert.Panics(t, func() {
		worker.Register("echo", func() worker.Worker { return echoWorker{} })
	})
	assert.Panics(t, func() {
		worker.Register("nil", nil)
	})
}

func TestIdentity(t *testing.T) {
	var nilIdentity *worker.Identity
	assert.False(t, nilIdentity.Resolved())

	current, e := user.Current()
	require.NoError(t, e)
	uid, e := strconv.ParseUint(current.Uid, 10, 32)
	require.NoError(t, e)
	gid, e := strconv.ParseUint(current.Gid, 10, 32)
	require.NoError(t, e)

	identity := &worker.Identity{}
	require.NoError(t, identity.SetUser(current.Username))
	assert.Equal(t, uint32(uid), identity.UID)
	assert.False(t, identity.Resolved())

	require.NoError(t, identity.SetGroup(current.Gid))
	assert.Equal(t, uint32(gid), identity.GID)
	assert.True(t, identity.Resolved())

	// Numeric IDs are accepted as well.
	identity = &worker.Identity{}
	require.NoError(t, identity.SetUser(current.Uid))
	assert.Equal(t, uint32(uid), identity.UID)

	err := identity.SetUser("keeper-no-such-user")
	assert.ErrorIs(t, err, worker.ErrPrivilegeDrop)
	assert.Equal(t, "keeper-no-such-user", errors.Details(err)["user"])

	err = identity.SetGroup("keeper-no-such-group")
	assert.ErrorIs(t, err, worker.ErrPrivilegeDrop)
	assert.False(t, identity.Resolved())
}

func TestKillWithoutProcess(t *testing.T) {
	h := worker.NewHandle(&owner{}, "echo", false)
	assert.Equal(t, 0, h.Pid())
	assert.Nil(t, h.Pipe())
	assert.Equal(t, -1, h.PipeFd())
	assert.ErrorIs(t, h.Stop(), worker.ErrNoProcess)
	assert.ErrorIs(t, h.Kill(unix.SIGUSR1), worker.ErrNoProcess)
	// It is safe to release a handle which never spawned.
	h.Release()
}

func TestSpawn(t *testing.T) {
	h := worker.NewHandle(&owner{}, "echo", false)
	assert.Equal(t, "echo", h.Name())
	assert.Equal(t, "container", h.Container())
	assert.False(t, h.Async())

	pid, err := h.Spawn()
	require.NoError(t, err, "% -+#.1v", err)
	t.Cleanup(h.Release)
	assert.Equal(t, pid, h.Pid())
	assert.GreaterOrEqual(t, h.PipeFd(), 0)

	_, err = h.Spawn()
	assert.Error(t, err)

	r := bufio.NewReader(h.Pipe())
	assert.Equal(t, fmt.Sprintf("ready %d", pid), readLine(t, h, r))

	require.NoError(t, h.Kill(unix.SIGUSR1))
	assert.Equal(t, "reloaded", readLine(t, h, r))

	require.NoError(t, h.Stop())
	assert.Equal(t, "stopping", readLine(t, h, r))

	status := wait(t, pid)
	assert.True(t, status.Exited())
	assert.Equal(t, 0, status.ExitStatus())
}

func TestSpawnAsync(t *testing.T) {
	h := worker.NewHandle(&owner{}, "echoback", true)
	assert.True(t, h.Async())

	pid, err := h.Spawn()
	require.NoError(t, err, "% -+#.1v", err)
	t.Cleanup(h.Release)

	r := bufio.NewReader(h.Pipe())
	assert.Equal(t, fmt.Sprintf("ready %d", pid), readLine(t, h, r))

	_, e := h.Pipe().Write([]byte("ping\n"))
	require.NoError(t, e)
	assert.Equal(t, "ping", readLine(t, h, r))

	require.NoError(t, h.Stop())
	assert.Equal(t, "stopping", readLine(t, h, r))

	status := wait(t, pid)
	assert.True(t, status.Exited())
	assert.Equal(t, 0, status.ExitStatus())
}

func TestSpawnFailing(t *testing.T) {
	h := worker.NewHandle(&owner{}, "failing", false)
	pid, err := h.Spawn()
	require.NoError(t, err, "% -+#.1v", err)
	t.Cleanup(h.Release)

	status := wait(t, pid)
	assert.True(t, status.Exited())
	assert.Equal(t, 1, status.ExitStatus())
}

func TestSpawnUnknown(t *testing.T) {
	// The child process itself fails to find the worker.
	h := worker.NewHandle(&owner{}, "missing", false)
	pid, err := h.Spawn()
	require.NoError(t, err, "% -+#.1v", err)
	t.Cleanup(h.Release)

	status := wait(t, pid)
	assert.True(t, status.Exited())
	assert.Equal(t, 1, status.ExitStatus())
}

func TestSpawnPrivilegeDrop(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}

	identity := &worker.Identity{}
	require.NoError(t, identity.SetUser("0"))
	require.NoError(t, identity.SetGroup("0"))

	h := worker.NewHandle(&owner{identity: identity}, "echo", false)
	_, err := h.Spawn()
	assert.ErrorIs(t, err, worker.ErrPrivilegeDrop)
	assert.Equal(t, "echo", errors.Details(err)["worker"])
	assert.Equal(t, 0, h.Pid())
}
