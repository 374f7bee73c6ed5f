// Package chainerr defines the error taxonomy shared by every chainwatch
// component: chain client, decoder, filter, indexer worker, writer and
// session controller all classify failures into one of these codes before
// deciding whether to retry, pause, or surface a fatal error to a client.
package chainerr

import (
	"errors"
	"fmt"
)

// Code is one of the error classes a component can classify a failure into.
type Code string

const (
	// Transient covers network errors and timeouts; retryable with backoff.
	Transient Code = "transient"
	// Protocol covers unexpected RPC shapes or decode failures from the node.
	Protocol Code = "protocol"
	// NotFound covers a missing block or storage key at a height the caller
	// expected to exist.
	NotFound Code = "not_found"
	// Storage covers write failures and constraint violations other than an
	// idempotent duplicate.
	Storage Code = "storage"
	// Cancelled covers operations aborted by context cancellation; never
	// surfaced to a client as an error.
	Cancelled Code = "cancelled"
	// BadRequest covers malformed input from a session controller command.
	BadRequest Code = "bad_request"
	// Fatal covers invariant violations; always fatal to the owning session.
	Fatal Code = "fatal"
	// Unknown is the fallback for an error nobody classified.
	Unknown Code = "unknown"
)

// Sentinel base errors. Wrap these with fmt.Errorf("...: %w", ErrX) so
// Classify and errors.Is both work against the wrapped chain.
var (
	ErrTransient  = errors.New("transient error")
	ErrProtocol   = errors.New("protocol error")
	ErrNotFound   = errors.New("not found")
	ErrStorage    = errors.New("storage error")
	ErrCancelled  = errors.New("operation cancelled")
	ErrBadRequest = errors.New("bad request")
	ErrFatal      = errors.New("fatal error")
)

// EventCode maps a Code to the wire error code used in §6's error envelope.
func (c Code) EventCode() string {
	switch c {
	case Transient:
		return "E_RPC_TRANSIENT"
	case Protocol:
		return "E_RPC_PROTOCOL"
	case NotFound:
		return "E_DECODE"
	case Storage:
		return "E_STORAGE"
	case Cancelled:
		return "E_CANCELLED"
	case BadRequest:
		return "E_BAD_REQUEST"
	default:
		return "E_UNKNOWN"
	}
}

// Classify inspects err and returns the taxonomy code it belongs to. It
// walks the error chain with errors.Is against each sentinel, so wrapped
// errors classify the same as their sentinel.
func Classify(err error) Code {
	if err == nil {
		return Unknown
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return Cancelled
	case errors.Is(err, ErrFatal):
		return Fatal
	case errors.Is(err, ErrStorage):
		return Storage
	case errors.Is(err, ErrNotFound):
		return NotFound
	case errors.Is(err, ErrProtocol):
		return Protocol
	case errors.Is(err, ErrTransient):
		return Transient
	case errors.Is(err, ErrBadRequest):
		return BadRequest
	default:
		return Unknown
	}
}

// Wrap annotates err with the given code's sentinel and a message, so later
// Classify calls recover the code.
func Wrap(code Code, msg string, err error) error {
	sentinel := sentinelFor(code)
	if err == nil {
		return fmt.Errorf("%s: %w", msg, sentinel)
	}
	return fmt.Errorf("%s: %w: %w", msg, sentinel, err)
}

func sentinelFor(code Code) error {
	switch code {
	case Transient:
		return ErrTransient
	case Protocol:
		return ErrProtocol
	case NotFound:
		return ErrNotFound
	case Storage:
		return ErrStorage
	case Cancelled:
		return ErrCancelled
	case BadRequest:
		return ErrBadRequest
	case Fatal:
		return ErrFatal
	default:
		return ErrFatal
	}
}

// IsFatal reports whether a classified error should stop the owning worker
// or session outright, as opposed to pausing and retrying.
func IsFatal(err error) bool {
	switch Classify(err) {
	case Fatal, Storage:
		return true
	default:
		return false
	}
}
