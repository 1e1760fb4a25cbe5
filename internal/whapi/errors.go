package whapi

import "errors"

// Kind classifies a failed provider call.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnavailable covers transport failures and 5xx answers.
	KindUnavailable
	// KindRejected is a 4xx answer.
	KindRejected
	// KindMalformed is a 2xx answer whose body is not JSON.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	return "whapi " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindUnknown
}
