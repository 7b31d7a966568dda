package protocol

import (
	"errors"
	"fmt"
)

// Error codes carried in an error envelope.
const (
	CodeNotFound           = "not_found"
	CodeBadRequest         = "bad_request"
	CodeUnknownMessageType = "unknown_message_type"
	CodeInternal           = "internal"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// ErrorPayload is the body of a TypeError envelope.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RemoteError is what a requester sees when the peer answered with an
// error envelope.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	return e.Code == CodeUnknownMessageType && target == ErrUnknownMessageType
}

// ErrorEnvelope builds an error reply. Marshalling ErrorPayload cannot fail.
func ErrorEnvelope(code string, err error) Envelope {
	env, _ := NewEnvelope(TypeError, ErrorPayload{Code: code, Message: err.Error()})
	return env
}

// AsError turns an error envelope into a *RemoteError, or returns nil for
// any other envelope.
func AsError(env Envelope) error {
	if env.Type != TypeError {
		return nil
	}
	var p ErrorPayload
	if err := env.Decode(&p); err != nil {
		return &RemoteError{Code: CodeInternal, Message: err.Error()}
	}
	return &RemoteError{Code: p.Code, Message: p.Message}
}

// Expect checks that a response has the wanted type, surfacing error
// envelopes as *RemoteError.
func Expect(env Envelope, msgType string) error {
	if err := AsError(env); err != nil {
		return err
	}
	if env.Type != msgType {
		return fmt.Errorf("unexpected response type %q, want %q", env.Type, msgType)
	}
	return nil
}
