package execution

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures.
type Kind string

const (
	KindCaseNotFound        Kind = "case_not_found"
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindInjection           Kind = "injection_error"
	KindStart               Kind = "start_error"
	KindRuntime             Kind = "runtime_error"
	KindEnvironment         Kind = "environment_error"
	// KindInvalidRequest marks a request that could not be decoded or lacks required fields.
	KindInvalidRequest Kind = "invalid_request"
)

// Error is an engine failure of a known Kind.
//
// Sentinels such as ErrEnvironment carry only a Kind; errors.Is matches any
// Error of the same Kind against them.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrCaseNotFound        = &Error{Kind: KindCaseNotFound}
	ErrUnsupportedLanguage = &Error{Kind: KindUnsupportedLanguage}
	ErrInjection           = &Error{Kind: KindInjection}
	ErrStart               = &Error{Kind: KindStart}
	ErrRuntime             = &Error{Kind: KindRuntime}
	ErrEnvironment         = &Error{Kind: KindEnvironment}
	ErrInvalidRequest      = &Error{Kind: KindInvalidRequest}
)

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Wrap returns err tagged with kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error of the given kind from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the outermost Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsEnvironment reports whether err signals that the execution environment itself is unusable.
func IsEnvironment(err error) bool {
	return errors.Is(err, ErrEnvironment)
}
