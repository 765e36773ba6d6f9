package mock

import (
	"context"
	"sync"

	"github.com/micro-ha/minion-fleet/controller/internal/domain/remote"
)

// Op names the executor method recorded in a Call.
type Op string

const (
	OpRun  Op = "run"
	OpPush Op = "push"
	OpPull Op = "pull"
)

// Call stores one executor invocation.
type Call struct {
	Op       Op
	Endpoint remote.Endpoint
	Command  string
	Elevate  bool
	Local    string
	Remote   string
}

// Executor is a programmable implementation of remote.Executor. Unset
// funcs succeed with empty output.
type Executor struct {
	mu       sync.Mutex
	RunFunc  func(ctx context.Context, cmd remote.Command) (remote.Result, error)
	PushFunc func(ctx context.Context, target remote.Endpoint, localPath, remotePath string) (remote.Result, error)
	PullFunc func(ctx context.Context, target remote.Endpoint, remotePath, localPath string) (remote.Result, error)
	Calls    []Call
}

func (e *Executor) RunCommand(ctx context.Context, cmd remote.Command) (remote.Result, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, Call{Op: OpRun, Endpoint: cmd.Endpoint, Command: cmd.Command, Elevate: cmd.Elevate})
	run := e.RunFunc
	e.mu.Unlock()

	if run == nil {
		return remote.Result{Success: true}, nil
	}
	return run(ctx, cmd)
}

func (e *Executor) PushFile(ctx context.Context, target remote.Endpoint, localPath, remotePath string) (remote.Result, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, Call{Op: OpPush, Endpoint: target, Local: localPath, Remote: remotePath})
	push := e.PushFunc
	e.mu.Unlock()

	if push == nil {
		return remote.Result{Success: true}, nil
	}
	return push(ctx, target, localPath, remotePath)
}

func (e *Executor) PullFile(ctx context.Context, target remote.Endpoint, remotePath, localPath string) (remote.Result, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, Call{Op: OpPull, Endpoint: target, Local: localPath, Remote: remotePath})
	pull := e.PullFunc
	e.mu.Unlock()

	if pull == nil {
		return remote.Result{Success: true}, nil
	}
	return pull(ctx, target, remotePath, localPath)
}

// CallsSnapshot returns a copy of accumulated calls.
func (e *Executor) CallsSnapshot() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.Calls))
	copy(out, e.Calls)
	return out
}

// CallsFor returns the calls addressed to one device.
func (e *Executor) CallsFor(address string) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, 0)
	for _, call := range e.Calls {
		if call.Endpoint.Kind == remote.KindDevice && call.Endpoint.Address == address {
			out = append(out, call)
		}
	}
	return out
}
