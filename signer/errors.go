package signer

import "errors"

var (
	// ErrNotFound is returned when no signer row exists for the identifier.
	ErrNotFound = errors.New("signer: not found")
	// ErrAlreadyFinal signals the signer already signed or declined.
	ErrAlreadyFinal = errors.New("signer: already signed or declined")
	// ErrOrderViolation signals a sequential-policy breach: a predecessor has
	// not signed yet.
	ErrOrderViolation = errors.New("signer: sequential order violation")
	// ErrTokenInvalid signals a missing or wrong signer access-link token.
	ErrTokenInvalid = errors.New("signer: invalid access token")
	// ErrEmptyPayload rejects a sign attempt carrying no signature data.
	ErrEmptyPayload = errors.New("signer: empty signature payload")
)
