package remote

import (
	"context"
	"errors"
	"time"
)

// EndpointKind selects the credential profile used to reach a host.
type EndpointKind string

const (
	// KindDevice targets a minion by address.
	KindDevice EndpointKind = "minion"
	// KindRouter targets the network router from configuration.
	KindRouter EndpointKind = "router"
)

var (
	// ErrEndpointNotConfigured means no credentials exist for the endpoint kind.
	ErrEndpointNotConfigured = errors.New("endpoint not configured")
	// ErrAddressRequired means a device endpoint was addressed without an address.
	ErrAddressRequired = errors.New("address required for device endpoint")
)

// Endpoint names a remote host. Address is ignored for the router.
type Endpoint struct {
	Kind    EndpointKind
	Address string
}

// Device returns the endpoint for a minion at address.
func Device(address string) Endpoint {
	return Endpoint{Kind: KindDevice, Address: address}
}

// Router returns the configured router endpoint.
func Router() Endpoint {
	return Endpoint{Kind: KindRouter}
}

// Command is one remote shell invocation.
type Command struct {
	Endpoint Endpoint
	Command  string
	Elevate  bool
	// Timeout bounds the whole call. Zero means the executor default.
	Timeout time.Duration
}

// Result is the outcome of a remote call. Transport failures and non-zero
// exits both report Success=false with the error text in Stderr.
type Result struct {
	Success bool
	Stdout  string
	Stderr  string
}

// Failed builds an unsuccessful result from a transport error.
func Failed(err error) Result {
	if err == nil {
		return Result{}
	}
	return Result{Stderr: err.Error()}
}

// Executor runs commands and transfers files on remote endpoints. The error
// return is reserved for configuration resolution failures; everything that
// happens on the wire is reported through Result.
type Executor interface {
	RunCommand(ctx context.Context, cmd Command) (Result, error)
	PushFile(ctx context.Context, target Endpoint, localPath, remotePath string) (Result, error)
	PullFile(ctx context.Context, target Endpoint, remotePath, localPath string) (Result, error)
}
