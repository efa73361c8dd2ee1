// Package errs defines the structured error kinds shared by every memoryd
// component: the event store, diagnostics store, graph, lineage engine,
// and hybrid search. Components that need to distinguish failure classes
// (e.g., to decide an MCP tool's JSON-RPC error code) wrap an error with
// [Wrap] and recover the class with [KindOf] or [Is].
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of a fixed set of categories so that
// callers across package boundaries can react without parsing message text.
type Kind int

const (
	// Unknown is the zero value: a failure whose kind has not been classified.
	Unknown Kind = iota

	// NotFound indicates the requested entity, session, event, or relationship
	// does not exist in the store.
	NotFound

	// AlreadyExists indicates a write was rejected because the target
	// (by content hash or natural key) already exists.
	AlreadyExists

	// InvalidArgument indicates a caller-supplied value failed validation
	// (malformed SARIF, bad timestamp ordering, unknown relationship type).
	InvalidArgument

	// InvalidSession indicates an operation referenced a session ID that is
	// unknown, closed, or otherwise not usable for the requested action.
	InvalidSession

	// Unauthorized indicates the caller lacks permission for the operation.
	Unauthorized

	// ServiceUnavailable indicates a transient failure in a dependency
	// (storage backend, embedding provider) that is safe to retry.
	ServiceUnavailable

	// ProviderError indicates an LLM or embedding provider returned an
	// error or a malformed response.
	ProviderError

	// StorageError indicates a persistence-layer failure not covered by a
	// more specific kind (I/O error, constraint violation, corrupt index).
	StorageError

	// ConsistencyError indicates an internal invariant was violated: more
	// than one current row for an entity, a lineage cycle, a digest
	// mismatch between a recomputed and stored value.
	ConsistencyError
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case InvalidArgument:
		return "invalid_argument"
	case InvalidSession:
		return "invalid_session"
	case Unauthorized:
		return "unauthorized"
	case ServiceUnavailable:
		return "service_unavailable"
	case ProviderError:
		return "provider_error"
	case StorageError:
		return "storage_error"
	case ConsistencyError:
		return "consistency_error"
	default:
		return "unknown"
	}
}

// Error is a classified error: an underlying cause plus the Kind a caller
// should branch on. Error implements Unwrap so errors.Is/errors.As continue
// to work through a Wrap call.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap annotates err with op and kind. Wrap(nil, ...) returns nil so callers
// can write `return errs.Wrap(op, errs.NotFound, err)` unconditionally after
// an `if err != nil` guard without a redundant nil check, matching the
// project's `fmt.Errorf("<component>: <op>: %w", err)` wrapping convention.
func Wrap(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, walking the Unwrap chain. It
// returns Unknown if err is nil or carries no classified Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err was classified with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
