package heartbeat_test

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/tozd/keeper/internal/heartbeat"
	"gitlab.com/tozd/keeper/internal/worker"
)

func TestNew(t *testing.T) {
	t.Setenv(heartbeat.EnvInterval, "")
	w, ok := heartbeat.New().(*heartbeat.Worker)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, w.Interval)

	t.Setenv(heartbeat.EnvInterval, "250ms")
	w, ok = heartbeat.New().(*heartbeat.Worker)
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, w.Interval)

	t.Setenv(heartbeat.EnvInterval, "soon")
	w, ok = heartbeat.New().(*heartbeat.Worker)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, w.Interval)
}

func TestRunProcess(t *testing.T) {
	reader, writer, e := os.Pipe()
	require.NoError(t, e)
	defer reader.Close()
	defer writer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := &heartbeat.Worker{Interval: 10 * time.Millisecond}
	p := &worker.Process{Pid: 1234, Name: heartbeat.Name, Pipe: writer}

	done := make(chan error, 1)
	go func() {
		done <- w.RunProcess(ctx, p)
	}()

	r := bufio.NewReader(reader)
	for i := 1; i <= 3; i++ {
		line, e := r.ReadString('\n')
		require.NoError(t, e)
		assert.Equal(t, fmt.Sprintf("heartbeat 1234 %d\n", i), line)
	}

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "worker has not returned")
	}
}

func TestRunProcessClosedPipe(t *testing.T) {
	reader, writer, e := os.Pipe()
	require.NoError(t, e)
	reader.Close()
	defer writer.Close()

	w := &heartbeat.Worker{Interval: time.Millisecond}
	p := &worker.Process{Pid: 1234, Name: heartbeat.Name, Pipe: writer}

	err := w.RunProcess(context.Background(), p)
	assert.Error(t, err)
}
