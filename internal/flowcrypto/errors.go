package flowcrypto

import (
	"errors"
	"fmt"
)

// Kind classifies a Flow crypto failure.
type Kind string

const (
	KindKeyLoad              Kind = "key_load"
	KindUnsupportedKeyLength Kind = "unsupported_key_length"
	KindDecryptionFailed     Kind = "decryption_failed"
	KindMalformedEnvelope    Kind = "malformed_envelope"
	KindMalformedPayload     Kind = "malformed_payload"
)

// Sentinel errors matched by errors.Is against an *Error of the same kind.
var (
	ErrKeyLoad              = errors.New("flow private key could not be loaded")
	ErrUnsupportedKeyLength = errors.New("unsupported AES key length")
	ErrDecryptionFailed     = errors.New("flow request could not be decrypted")
	ErrMalformedEnvelope    = errors.New("malformed flow envelope")
	ErrMalformedPayload     = errors.New("malformed flow payload")
)

var sentinels = map[Kind]error{
	KindKeyLoad:              ErrKeyLoad,
	KindUnsupportedKeyLength: ErrUnsupportedKeyLength,
	KindDecryptionFailed:     ErrDecryptionFailed,
	KindMalformedEnvelope:    ErrMalformedEnvelope,
	KindMalformedPayload:     ErrMalformedPayload,
}

// Error is returned by every codec operation. Err holds the underlying cause, if any.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flowcrypto %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("flowcrypto %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// RequiresKeyRefresh reports whether the client should re-fetch the business
// public key and retry with a new session key (HTTP 421 on the Flow endpoint).
func RequiresKeyRefresh(err error) bool {
	return errors.Is(err, ErrDecryptionFailed) || errors.Is(err, ErrUnsupportedKeyLength)
}

func newError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}
