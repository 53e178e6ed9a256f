// Package hints labels errors by how a caller should react to them, without the
// caller importing sentinel errors from the producing package.
//
// Two labels exist:
//   - hint: a "soft failure" that only signals a skipped step ("nothing to clean",
//     "index disabled"). Callers may ignore it.
//   - transient: a filesystem hiccup on a single entry (ENOENT race, EPERM during
//     cleanup). Callers log it as a warning and continue with the remaining entries.
//
// Anything unlabeled is fatal to the current replication pass.
package hints

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

type transientErr struct {
	err error
}

func (t *transientErr) Error() string     { return t.err.Error() }
func (t *transientErr) IsTransient() bool { return true }
func (t *transientErr) Unwrap() error     { return t.err }

// New creates a hint from a string.
func New(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// Transient labels err as recoverable for the enclosing pass.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientErr{err: err}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// IsTransient checks if any error in the chain is labeled transient.
func IsTransient(err error) bool {
	var t interface{ IsTransient() bool }
	return errors.As(err, &t) && t.IsTransient()
}
