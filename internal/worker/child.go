package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"gitlab.com/tozd/keeper/internal/logging"
)

const (
	exitWorkerSuccess = 0
	exitWorkerFailure = 1
)

const readBufferSize = 4096

var pastDeadline = time.Unix(1, 0) //nolint:gochecknoglobals

// Process is the child side view of a worker process.
type Process struct {
	Pid  int
	Name string

	// Pipe is the child end of the communication pipe with the master.
	Pipe *os.File

	// Container is the dependency container given to Main in the child process.
	Container any

	reload chan struct{}
}

// Reload returns a channel which receives a value every time the master asks
// the worker to refresh itself in place (SIGUSR1).
func (p *Process) Reload() <-chan struct{} {
	return p.reload
}

// Write sends data to the master over the communication pipe.
func (p *Process) Write(data []byte) (int, error) {
	return p.Pipe.Write(data)
}

// IsChild reports whether the running program has been started as a worker process.
func IsChild() bool {
	return os.Getenv(EnvWorker) != ""
}

// Main runs the worker the running program has been started as and exits
// the program. Container is made available to the worker as Process.Container.
func Main(container any) {
	os.Exit(Run(context.Background(), container))
}

// Run runs the worker the running program has been started as and returns
// the exit status.
func Run(ctx context.Context, container any) int {
	name := os.Getenv(EnvWorker)
	logging.SetPrefix(name)

	err := run(ctx, name, os.Getenv(EnvAsync) == "1", container)
	if err != nil {
		logging.Errorf("exiting: %s", logging.Err(err))
		return exitWorkerFailure
	}
	return exitWorkerSuccess
}

func run(ctx context.Context, name string, async bool, container any) errors.E {
	factory, err := Lookup(name)
	if err != nil {
		return err
	}
	w := factory()

	e := unix.SetNonblock(childPipeFd, true)
	if e != nil {
		errE := errors.WithMessage(e, "unable to configure communication pipe")
		errors.Details(errE)["fd"] = childPipeFd
		return errE
	}
	pipe := os.NewFile(childPipeFd, fmt.Sprintf("%s/pipe", name))
	defer pipe.Close()

	ctx, stop := signal.NotifyContext(ctx, unix.SIGTERM)
	defer stop()

	p := &Process{
		Pid:       os.Getpid(),
		Name:      name,
		Pipe:      pipe,
		Container: container,
		reload:    make(chan struct{}, 1),
	}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, unix.SIGUSR1)
	defer signal.Stop(reload)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-reload:
				logging.Infof("reloading")
				// We do not block if the worker has not yet consumed the previous request.
				select {
				case p.reload <- struct{}{}:
				default:
				}
			}
		}
	})

	if a, ok := w.(AsyncWorker); ok && async {
		g.Go(func() error {
			return readPipe(ctx, p, a.OnReadable)
		})
	}

	g.Go(func() error {
		// When the worker returns, everything else stops as well.
		defer stop()
		e := w.RunProcess(ctx, p)
		if e != nil {
			return errors.WithMessage(e, "worker failed")
		}
		return nil
	})

	err = errors.WithStack(g.Wait())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readPipe calls onReadable with everything read from the pipe until
// the pipe is closed or ctx is done.
func readPipe(ctx context.Context, p *Process, onReadable func(p *Process, data []byte)) error {
	go func() {
		<-ctx.Done()
		// The pipe is non-blocking so a deadline interrupts the pending read.
		_ = p.Pipe.SetReadDeadline(pastDeadline)
	}()

	buffer := make([]byte, readBufferSize)
	for {
		n, e := p.Pipe.Read(buffer)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buffer[:n])
			onReadable(p, data)
		}
		if e != nil {
			if errors.Is(e, io.EOF) || errors.Is(e, os.ErrClosed) || errors.Is(e, os.ErrDeadlineExceeded) {
				return nil
			}
			return errors.WithMessage(e, "unable to read communication pipe")
		}
	}
}
