// Package errs holds the error taxonomy shared by the publication core.
//
// Errors are classified with cockroachdb/errors marks so wrapping keeps the
// class visible to errors.Is across package boundaries.
package errs

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrTransient marks failures of an upstream collaborator (transport,
	// catalog detail source). Callers may retry later.
	ErrTransient = errors.New("transient upstream failure")

	// ErrNotFound marks a reference to an entity that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvariant marks an internal inconsistency or a forbidden state
	// transition. It is a bug or misuse signal, never routine control flow.
	ErrInvariant = errors.New("invariant violation")
)

// Transient wraps err and marks it as ErrTransient.
func Transient(err error, msg string) error {
	if err == nil {
		err = errors.New(msg)
		return errors.Mark(err, ErrTransient)
	}
	return errors.Mark(errors.Wrap(err, msg), ErrTransient)
}

// NotFoundf returns a new error marked as ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Invariantf returns a new error marked as ErrInvariant.
func Invariantf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvariant)
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsInvariant(err error) bool { return errors.Is(err, ErrInvariant) }

// UserMessage maps err to a short text that is safe to show to end users.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsNotFound(err):
		return "No encontré ese título en el catálogo."
	case IsTransient(err):
		return "El servicio no está disponible ahora mismo. Inténtalo más tarde."
	case IsInvariant(err):
		return "No se puede hacer eso ahora."
	default:
		return "Algo salió mal. Inténtalo más tarde."
	}
}
