// Package hints labels errors that report a skipped step rather than a
// failure: another sync already holds the upload log, too little new data
// for a batch, a run that was already uploaded.
//
// Callers log hints and carry on; they neither retry nor alert on them. A
// consumer checks IsHint without importing the producer's error values.
package hints

import "errors"

type hint struct{ error }

func (h *hint) IsHint() bool  { return true }
func (h *hint) Unwrap() error { return h.error }

// New returns a hint with the given message.
func New(msg string) error {
	return &hint{errors.New(msg)}
}

// IsHint reports whether any error in err's tree is a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// Is reports whether err is a hint that matches target.
func Is(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
