package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies venue failures. The reconcilers branch on it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindOrderDoesNotExist: the venue has no order under the client id.
	KindOrderDoesNotExist
	// KindParameterClientIDError: the venue rejected the client id itself.
	KindParameterClientIDError
	// KindWithdrawalIDDoesNotExist: the venue has no transfer under the id.
	KindWithdrawalIDDoesNotExist
	// KindUnexpectedResponse: a non-zero venue code we do not classify.
	// Ambiguous, not immediately actionable.
	KindUnexpectedResponse
	// KindTransport: the request did not complete.
	KindTransport
	// KindDecode: the response could not be deserialized.
	KindDecode
)

func (k ErrorKind) String() string {
	switch k {
	case KindOrderDoesNotExist:
		return "order_does_not_exist"
	case KindParameterClientIDError:
		return "parameter_client_id_error"
	case KindWithdrawalIDDoesNotExist:
		return "withdrawal_id_does_not_exist"
	case KindUnexpectedResponse:
		return "unexpected_response"
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is a classified venue failure.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Err != nil:
		return fmt.Sprintf("exchange: %s (code=%s msg=%q): %v", e.Kind, e.Code, e.Msg, e.Err)
	case e.Code != "":
		return fmt.Sprintf("exchange: %s (code=%s msg=%q)", e.Kind, e.Code, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("exchange: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("exchange: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as one of kinds.
func IsKind(err error, kinds ...ErrorKind) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
