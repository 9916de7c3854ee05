// ABOUTME: Error taxonomy for the conversation hub
// ABOUTME: Sentinel errors plus the stable codes reported to clients on the wire

package conversation

import "errors"

var (
	// ErrNotAuthenticated means the connection carries no usable identity. The
	// connection is never registered.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrInvalidConversation means the requested peer cannot form a conversation with the user.
	ErrInvalidConversation = errors.New("invalid conversation")

	// ErrInvalidMessage means the content was empty or too long. Nothing was appended.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrStoreUnavailable wraps failures of the durable log.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrDeliveryTimeout means a connection did not accept an event in time.
	ErrDeliveryTimeout = errors.New("delivery timeout")

	// ErrSessionNotActive is returned for sends on a session that is joining or gone.
	ErrSessionNotActive = errors.New("session not active")

	// ErrRateLimited is returned when a session sends faster than its limit allows.
	ErrRateLimited = errors.New("rate limited")
)

// Wire codes for the error frame.
const (
	CodeNotAuthenticated    = "not_authenticated"
	CodeInvalidConversation = "invalid_conversation"
	CodeInvalidMessage      = "invalid_message"
	CodeStoreUnavailable    = "store_unavailable"
	CodeDeliveryTimeout     = "delivery_timeout"
	CodeSessionNotActive    = "session_not_active"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
)

// ErrorCode maps err to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return CodeNotAuthenticated
	case errors.Is(err, ErrInvalidConversation):
		return CodeInvalidConversation
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	case errors.Is(err, ErrDeliveryTimeout):
		return CodeDeliveryTimeout
	case errors.Is(err, ErrSessionNotActive):
		return CodeSessionNotActive
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	}
	return CodeInternal
}

// codeErrors is the reverse of ErrorCode, used by clients decoding error frames.
var codeErrors = map[string]error{
	CodeNotAuthenticated:    ErrNotAuthenticated,
	CodeInvalidConversation: ErrInvalidConversation,
	CodeInvalidMessage:      ErrInvalidMessage,
	CodeStoreUnavailable:    ErrStoreUnavailable,
	CodeDeliveryTimeout:     ErrDeliveryTimeout,
	CodeSessionNotActive:    ErrSessionNotActive,
	CodeRateLimited:         ErrRateLimited,
}

// ErrorForCode returns the sentinel for a wire code, or nil for unknown codes.
func ErrorForCode(code string) error {
	return codeErrors[code]
}
