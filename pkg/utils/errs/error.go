package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a failure by where it came from.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport is a network, timeout or non-2xx failure with no business answer.
	KindTransport
	// KindBusiness is an explicit rejection (result:false) from the remote side.
	KindBusiness
	// KindIntegrity is a response that decoded but cannot be acted on.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindBusiness:
		return "business"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// CustomError represents a custom error with additional arguments and wrapping capability.
type CustomError struct {
	message string
	kind    Kind
	args    map[string]interface{}
	wrapped error
}

// New creates a new CustomError instance.
func New(message string) *CustomError {
	return &CustomError{
		message: message,
		args:    make(map[string]interface{}),
	}
}

// Error implements the error interface.
func (e *CustomError) Error() string {
	return e.fullErrorString()
}

// Message returns the bare message without args or wrapped errors.
func (e *CustomError) Message() string {
	return e.message
}

// Arg adds an argument to the error.
func (e *CustomError) Arg(key string, value interface{}) *CustomError {
	e.args[key] = value
	return e
}

// Kind sets the failure class.
func (e *CustomError) Kind(k Kind) *CustomError {
	e.kind = k
	return e
}

// Wrap wraps another error (can be of the same type or a standard error).
func (e *CustomError) Wrap(err error) *CustomError {
	if err != nil {
		e.wrapped = err
	}
	return e
}

// Unwrap returns the wrapped error if any.
func (e *CustomError) Unwrap() error {
	return e.wrapped
}

// KindOf returns the first explicit kind found along the chain.
func KindOf(err error) Kind {
	for err != nil {
		if k, ok := err.(interface{ ErrKind() Kind }); ok && k.ErrKind() != KindUnknown {
			return k.ErrKind()
		}
		err = errors.Unwrap(err)
	}
	return KindUnknown
}

// ErrKind exposes the kind to KindOf.
func (e *CustomError) ErrKind() Kind {
	return e.kind
}

// fullErrorString builds "{msg: <message>, args: <args>, wrappedError: {<wrapped>}}".
func (e *CustomError) fullErrorString() string {
	var builder strings.Builder

	builder.WriteString("{msg: ")
	builder.WriteString(e.message)

	if e.kind != KindUnknown {
		builder.WriteString(", kind: ")
		builder.WriteString(e.kind.String())
	}

	// sorted so log lines are stable
	if len(e.args) > 0 {
		keys := make([]string, 0, len(e.args))
		for k := range e.args {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s:%v", k, e.args[k]))
		}
		builder.WriteString(", args: map[" + strings.Join(parts, " ") + "]")
	}

	if e.wrapped != nil {
		wrappedErr := &CustomError{}
		if errors.As(e.wrapped, &wrappedErr) {
			builder.WriteString(fmt.Sprintf(", wrappedError: %s", wrappedErr.fullErrorString()))
		} else {
			builder.WriteString(fmt.Sprintf(", wrappedError: {%v}", e.wrapped.Error()))
		}
	}

	builder.WriteString("}")

	return builder.String()
}
