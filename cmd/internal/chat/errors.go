package chat

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotAMember is returned when the caller has no membership in the conversation.
	ErrNotAMember = errors.New("not a member")

	// ErrConversationNotFound is returned when the conversation id does not resolve.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrStoreUnavailable wraps durable store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above; Err is the underlying cause, if any.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e OpError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

// wrapStore classifies a store error. Domain sentinels keep their kind,
// context errors pass through, everything else is ErrStoreUnavailable.
func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrConversationNotFound):
		return OpError{Op: op, Kind: ErrConversationNotFound}
	case errors.Is(err, ErrNotAMember):
		return OpError{Op: op, Kind: ErrNotAMember}
	case errors.Is(err, ErrInvalidInput):
		return OpError{Op: op, Kind: ErrInvalidInput, Err: err}
	default:
		return OpError{Op: op, Kind: ErrStoreUnavailable, Err: err}
	}
}

func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

func IsNotAMember(err error) bool { return errors.Is(err, ErrNotAMember) }

func IsNotFound(err error) bool { return errors.Is(err, ErrConversationNotFound) }

func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
