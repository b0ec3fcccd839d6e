package gate

import "errors"

// Gate failures are distinct from signing-domain errors so the client can
// render the code-entry path instead of a generic failure.
var (
	// ErrCodeRequired: the signer requires one-time-code verification and no
	// session token was presented.
	ErrCodeRequired = errors.New("gate: verification code required")
	// ErrCodeInvalid: the code or session token did not verify.
	ErrCodeInvalid = errors.New("gate: verification code invalid")
	// ErrCodeExpired: the session token lapsed or was already used.
	ErrCodeExpired = errors.New("gate: verification code expired")
)
