package directory

import (
	"errors"
	"fmt"
)

var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrDirectoryUnavailable = errors.New("directory unavailable")
)

type ResolveKind int

const (
	ServiceNotFound ResolveKind = iota + 1
	DirectoryUnavailable
)

func (k ResolveKind) String() string {
	switch k {
	case ServiceNotFound:
		return "service not found"
	case DirectoryUnavailable:
		return "directory unavailable"
	}
	return fmt.Sprintf("ResolveKind(%d)", int(k))
}

// ResolveError reports why a service could not be resolved. Only
// DirectoryUnavailable is worth retrying.
type ResolveError struct {
	Kind    ResolveKind
	Service string
	Err     error
}

func (e *ResolveError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s: %s", e.Service, e.Kind)
	}
	return fmt.Sprintf("resolve %s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

func (e *ResolveError) Is(target error) bool {
	switch target {
	case ErrServiceNotFound:
		return e.Kind == ServiceNotFound
	case ErrDirectoryUnavailable:
		return e.Kind == DirectoryUnavailable
	}
	return false
}

func notFound(service string, err error) *ResolveError {
	return &ResolveError{Kind: ServiceNotFound, Service: service, Err: err}
}

func unavailable(service string, err error) *ResolveError {
	return &ResolveError{Kind: DirectoryUnavailable, Service: service, Err: err}
}
