package protocol

import "errors"

// Error codes surfaced to clients in the error event's code field.
const (
	CodeAuthenticationFailed = "AuthenticationFailed"
	CodeRoomNotFound         = "RoomNotFound"
	CodeInvalidPasscode      = "InvalidPasscode"
	CodeRoomFull             = "RoomFull"
	CodeNotInvited           = "NotInvited"
	CodeHostRequired         = "HostRequired"
	CodePeerUnreachable      = "PeerUnreachable"
	CodeUnconsumable         = "Unconsumable"
	CodeRateLimited          = "RateLimited"
	CodeInternal             = "Internal"
)

// Error is a client-visible failure. Code selects a taxonomy entry and
// Message is safe to show to the end user. Internal details never ride
// in Message; they belong in logs keyed by correlation id.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds a client-visible error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AsClientError extracts a client-visible error from err. Anything that
// is not already an *Error collapses to an opaque Internal error.
func AsClientError(err error) *Error {
	var clientErr *Error
	if errors.As(err, &clientErr) {
		return clientErr
	}
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// ErrorPayload is the body of the error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEvent wraps err in an error envelope ready to send.
func ErrorEvent(err error) *Event {
	clientErr := AsClientError(err)
	ev, marshalErr := NewEvent(EventError, ErrorPayload{
		Message: clientErr.Message,
		Code:    clientErr.Code,
	})
	if marshalErr != nil {
		return &Event{Type: EventError}
	}
	return ev
}
