// Package worker spawns and tracks worker child processes.
//
// A worker is a type registered under a name which implements Worker. The
// master creates a Handle for every worker process it spawns. Handles own
// process bookkeeping (spawning, signaling, the communication pipe) while the
// worker type owns only what runs inside the child process.
//
// Go cannot fork a running program, so a child process is the same executable
// started again with the worker name in its environment. Programs using this
// package must call Main early in their main function when IsChild reports true.
package worker

import (
	"context"
	"os/user"
	"sort"
	"strconv"
	"sync"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrPrivilegeDrop = errors.New("privilege drop failed")
	ErrNoProcess     = errors.New("no process is tracked")
	ErrUnknownWorker = errors.New("unknown worker")
)

// Worker is implemented by worker types. RunProcess runs inside the child process.
//
// The context is canceled when the child process receives SIGTERM. When
// RunProcess returns, the child process exits: with status 0 if it returned
// nil and with a non-zero status otherwise.
type Worker interface {
	RunProcess(ctx context.Context, p *Process) error
}

// AsyncWorker can be implemented by worker types which want to be notified
// about data the master writes to the communication pipe. OnReadable is called
// from its own goroutine only when asynchronous I/O is enabled.
type AsyncWorker interface {
	Worker
	OnReadable(p *Process, data []byte)
}

// Factory makes a new instance of a worker type. It is called once in every child process.
type Factory func() Worker

var (
	registry   = map[string]Factory{} //nolint:gochecknoglobals
	registryMu sync.RWMutex           //nolint:gochecknoglobals
)

// Register makes a worker type available under name. It panics if name is
// already registered or factory is nil.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic(errors.New("registering nil worker factory"))
	}
	if _, ok := registry[name]; ok {
		panic(errors.Errorf(`worker "%s" already registered`, name))
	}
	registry[name] = factory
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, errors.E) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		errE := errors.Errorf("%w: %s", ErrUnknownWorker, name)
		errors.Details(errE)["worker"] = name
		return nil, errE
	}
	return factory, nil
}

// Registered returns the sorted names of all registered worker types.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Identity is a user and a group resolved to numeric IDs.
type Identity struct {
	User  string
	Group string

	UID uint32
	GID uint32

	hasUID bool
	hasGID bool
}

// Resolved reports whether both the user and the group are resolved.
// Only then children switch to the identity.
func (i *Identity) Resolved() bool {
	return i != nil && i.hasUID && i.hasGID
}

// SetUser resolves the user name (or numeric ID) name.
func (i *Identity) SetUser(name string) errors.E {
	u, e := user.Lookup(name)
	if e != nil {
		var unknown user.UnknownUserError
		if errors.As(e, &unknown) {
			u, e = user.LookupId(name)
		}
	}
	if e != nil {
		errE := errors.Errorf("%w: unknown user: %s", ErrPrivilegeDrop, e)
		errors.Details(errE)["user"] = name
		return errE
	}
	uid, e := strconv.ParseUint(u.Uid, 10, 32)
	if e != nil {
		errE := errors.Errorf("%w: invalid user ID: %s", ErrPrivilegeDrop, e)
		errors.Details(errE)["user"] = name
		errors.Details(errE)["uid"] = u.Uid
		return errE
	}
	i.User = name
	i.UID = uint32(uid)
	i.hasUID = true
	return nil
}

// SetGroup resolves the group name (or numeric ID) name.
func (i *Identity) SetGroup(name string) errors.E {
	g, e := user.LookupGroup(name)
	if e != nil {
		var unknown user.UnknownGroupError
		if errors.As(e, &unknown) {
			g, e = user.LookupGroupId(name)
		}
	}
	if e != nil {
		errE := errors.Errorf("%w: unknown group: %s", ErrPrivilegeDrop, e)
		errors.Details(errE)["group"] = name
		return errE
	}
	gid, e := strconv.ParseUint(g.Gid, 10, 32)
	if e != nil {
		errE := errors.Errorf("%w: invalid group ID: %s", ErrPrivilegeDrop, e)
		errors.Details(errE)["group"] = name
		errors.Details(errE)["gid"] = g.Gid
		return errE
	}
	i.Group = name
	i.GID = uint32(gid)
	i.hasGID = true
	return nil
}

// Owner is the supervisor side a Handle belongs to.
type Owner interface {
	// Identity returns the identity children run as, or nil.
	Identity() *Identity
	// Container returns the dependency container shared with handles.
	Container() any
}
