package registry

import (
	"errors"
	"fmt"
)

// Wire error kinds carried in the response envelope.
const (
	KindNotBound      = "not_bound"
	KindUnknownMethod = "unknown_method"
	KindBadRequest    = "bad_request"
	KindInternal      = "internal"
)

var (
	// ErrUnreachable means the registry could not be contacted at all.
	ErrUnreachable = errors.New("registry unreachable")

	// ErrNotBound means the registry answered but has no binding for the name.
	ErrNotBound = errors.New("service not bound")

	// ErrCallFailed means the transport broke during a call to a bound
	// service, as opposed to the service answering with an error.
	ErrCallFailed = errors.New("remote call failed")
)

// NotBoundError names the service that was looked up.
type NotBoundError struct {
	Name string
}

func (e *NotBoundError) Error() string {
	return "registry: service not bound: " + e.Name
}

func (e *NotBoundError) Is(target error) bool {
	return target == ErrNotBound
}

// RemoteError is an error answer from a bound service.
type RemoteError struct {
	Service string
	Method  string
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s.%s: %s (%s)", e.Service, e.Method, e.Message, e.Kind)
}

// fault attaches a wire kind to a handler error.
type fault struct {
	kind string
	err  error
}

func (f *fault) Error() string { return f.err.Error() }
func (f *fault) Unwrap() error { return f.err }

// Fault marks err so the caller receives it with the given kind instead
// of KindInternal.
func Fault(kind string, err error) error {
	return &fault{kind: kind, err: err}
}

func kindOf(err error) string {
	var f *fault
	if errors.As(err, &f) {
		return f.kind
	}
	return KindInternal
}
