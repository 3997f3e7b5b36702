package journal

import (
	"errors"
	"fmt"

	"github.com/zhishupp/knot/internal/errctx"
)

// The error kinds surfaced by the journal (spec §7), as a small closed set
// of named string-based error types, in the style of catalog/errors.go and
// executor/errors.go in the teacher repo.

// InvalidArgumentError: nulls, zero-length names, bogus flags.
type InvalidArgumentError string

func (e InvalidArgumentError) Error() string {
	return errReport("%s: invalid argument", string(e))
}

// BusyError: caller must flush, then retry. Also returned when Open finds
// an already-open handle.
type BusyError string

func (e BusyError) Error() string {
	return errReport("%s: caller must flush then retry", string(e))
}

// TryAgainError: Open detected a shrunk size limit with unflushed history
// still present; caller must flush at the old limit, then reopen.
type TryAgainError string

func (e TryAgainError) Error() string {
	return errReport("%s: shrunk size limit with unflushed history present, flush then retry", string(e))
}

// NoSpaceError: the changeset does not fit even after every permissible
// eviction attempt.
type NoSpaceError string

func (e NoSpaceError) Error() string {
	return errReport("%s: no space left in journal after eviction", string(e))
}

// NotFoundError: LoadChangesets' starting point is absent, or a merged
// changeset lookup misses.
type NotFoundError string

func (e NotFoundError) Error() string {
	return errReport("%s: not found", string(e))
}

// MalformedError: a metadata record has an unexpected size, or the version
// record is unreadable.
type MalformedError string

func (e MalformedError) Error() string {
	return errReport("%s: malformed metadata record", string(e))
}

// UnsupportedError: the stored format version's major digit differs from
// ours.
type UnsupportedError string

func (e UnsupportedError) Error() string {
	return errReport("%s: unsupported journal version", string(e))
}

// SemanticCheckError: LoadZoneName found a stored zone_name different from
// the one the caller claims to own. It is non-fatal; the caller decides, and gets
// the stored name back to do so.
type SemanticCheckError struct {
	Context    string
	StoredName string
}

func (e SemanticCheckError) Error() string {
	return fmt.Sprintf("%s: zone_name mismatch, journal belongs to %q", errctx.Caller(1), e.StoredName)
}

func errReport(format, msg string) string {
	format = errctx.Caller(2) + ": " + format
	return fmt.Sprintf(format, msg)
}

// IsBusy, IsTryAgain, ... let callers branch on error kind without
// depending on the concrete type name, mirroring how the caller of
// store_changeset in spec §4.E is expected to react to *busy* as a control
// signal rather than a logged error.

func IsBusy(err error) bool {
	var e BusyError
	return errors.As(err, &e)
}

func IsTryAgain(err error) bool {
	var e TryAgainError
	return errors.As(err, &e)
}

func IsNoSpace(err error) bool {
	var e NoSpaceError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e NotFoundError
	return errors.As(err, &e)
}

func IsMalformed(err error) bool {
	var e MalformedError
	return errors.As(err, &e)
}

func IsUnsupported(err error) bool {
	var e UnsupportedError
	return errors.As(err, &e)
}

func IsSemanticCheck(err error) bool {
	var e SemanticCheckError
	return errors.As(err, &e)
}

func IsInvalidArgument(err error) bool {
	var e InvalidArgumentError
	return errors.As(err, &e)
}
