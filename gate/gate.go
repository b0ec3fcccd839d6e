// Package gate decides whether a sign attempt must clear one-time-code
// verification and enforces it before the state machine runs.
package gate

import (
	"context"
	"fmt"

	"signflow/audit"
	"signflow/signer"
)

// CodeVerifier is the external one-time-code collaborator; codes are
// generated and checked out of process.
type CodeVerifier interface {
	Verify(ctx context.Context, signerID, code string) (bool, error)
}

// SignerDirectory looks up signers; implemented by signer.PGRepository.
type SignerDirectory interface {
	GetByID(ctx context.Context, id string) (signer.Signer, error)
}

// Signing is the delegate that performs the actual transition; implemented by
// signer.Service.
type Signing interface {
	RecordSign(ctx context.Context, params signer.SignParams) (signer.SignResult, error)
}

type Gate struct {
	verifier CodeVerifier
	tokens   *TokenStore
	signers  SignerDirectory
	signing  Signing
	recorder *audit.Recorder
}

func New(verifier CodeVerifier, tokens *TokenStore, signers SignerDirectory, signing Signing, recorder *audit.Recorder) *Gate {
	return &Gate{
		verifier: verifier,
		tokens:   tokens,
		signers:  signers,
		signing:  signing,
		recorder: recorder,
	}
}

// VerifyCode exchanges a one-time code for a single-use signing-session token.
func (g *Gate) VerifyCode(ctx context.Context, signerID, code string) (string, error) {
	if code == "" {
		return "", ErrCodeRequired
	}
	sg, err := g.signers.GetByID(ctx, signerID)
	if err != nil {
		return "", err
	}

	ok, err := g.verifier.Verify(ctx, sg.ID, code)
	if err != nil {
		return "", fmt.Errorf("gate: verify code: %w", err)
	}
	if !ok {
		return "", ErrCodeInvalid
	}

	token, err := g.tokens.Issue(ctx, sg.ID)
	if err != nil {
		return "", err
	}

	if g.recorder != nil {
		g.recorder.Record(audit.Event{
			RequestID: sg.RequestID,
			SignerID:  &sg.ID,
			Type:      audit.TypeCodeVerified,
		})
	}
	return token, nil
}

// SignRequest wraps signer.SignParams with the optional session token.
type SignRequest struct {
	Params       signer.SignParams
	SessionToken string
}

// Sign enforces the code gate, then delegates. Signers without the
// code_required flag pass straight through.
func (g *Gate) Sign(ctx context.Context, req SignRequest) (signer.SignResult, error) {
	sg, err := g.signers.GetByID(ctx, req.Params.SignerID)
	if err != nil {
		return signer.SignResult{}, err
	}

	// Reject terminal signers before consuming the session token, so an
	// attempt that cannot possibly succeed does not force another code
	// verification. Ordering violations are only detectable inside the
	// transaction and still cost the token.
	if sg.Status.Terminal() {
		return signer.SignResult{}, signer.ErrAlreadyFinal
	}

	if sg.CodeRequired {
		if req.SessionToken == "" {
			return signer.SignResult{}, ErrCodeRequired
		}
		if err := g.tokens.Consume(ctx, req.SessionToken, sg.ID); err != nil {
			return signer.SignResult{}, err
		}
	}

	return g.signing.RecordSign(ctx, req.Params)
}
