package errors

import (
	"bytes"
	"fmt"
)

// List is a non-empty list of errors that is itself an error. Callers that
// accumulate errors from independent operations should use Combine, which
// returns nil when there is nothing to report.
type List []error

func (l List) Error() string {
	var b bytes.Buffer
	for i, err := range l {
		if i > 0 {
			fmt.Fprint(&b, "\n")
		}
		fmt.Fprint(&b, err)
	}
	return b.String()
}

// Slice returns a copy of the underlying errors.
func (l List) Slice() []error {
	return append([]error(nil), l...)
}

// Combine combines errors e & f into a single error. Either may be nil;
// a nil result means neither carried an error.
func Combine(e, f error) error {
	switch e := e.(type) {
	case nil:
		return f
	case List:
		if f == nil {
			return e
		}
		if f, ok := f.(List); ok {
			return List(append(e.Slice(), f...))
		}
		return List(append(e.Slice(), f))
	default:
		switch f := f.(type) {
		case nil:
			return e
		case List:
			return append(List{e}, f...)
		default:
			return List{e, f}
		}
	}
}

// Defer is a helper for deferring error-returning functions without losing
// an error already being returned.
func Defer(err *error, f func() error) {
	*err = Combine(*err, f())
}
