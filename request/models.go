package request

import "time"

type Policy string

const (
	PolicySequential Policy = "sequential"
	PolicyParallel   Policy = "parallel"
)

func (p Policy) Valid() bool {
	return p == PolicySequential || p == PolicyParallel
}

type FieldType string

const (
	FieldSignature FieldType = "signature"
	FieldInitials  FieldType = "initials"
	FieldText      FieldType = "text"
	FieldDate      FieldType = "date"
	FieldCheckbox  FieldType = "checkbox"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldSignature, FieldInitials, FieldText, FieldDate, FieldCheckbox:
		return true
	}
	return false
}

// Request mirrors the signature_requests table columns touched by the engine.
type Request struct {
	ID            string
	DocumentRef   string
	Title         string
	Policy        Policy
	Status        Status
	InitiatorID   string
	TotalSigners  int
	ViewedCount   int
	SignedCount   int
	DeclinedCount int
	Version       int64
	ExpiresAt     *time.Time
	WarningSentAt *time.Time
	CompletedAt   *time.Time
	ArtifactRef   *string
	ArtifactHash  *string
	FinalizedAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Field is a placed field owned by exactly one signer.
type Field struct {
	ID        string
	RequestID string
	SignerID  string
	Name      string
	Type      FieldType
	Page      int
	X, Y      float32
	W, H      float32
}

// SignerSeed is the per-signer input persisted in batch with the request.
type SignerSeed struct {
	Email           string
	FullName        string
	SigningOrder    int
	CodeRequired    bool
	AccessTokenHash string
	FieldSchema     string
}

// FieldSeed is the per-field input; the owning signer is referenced by email
// until ids are assigned at insert time.
type FieldSeed struct {
	Name        string
	Type        FieldType
	SignerEmail string
	Page        int
	X, Y        float32
	W, H        float32
}

// TallyResult is the outcome of one atomic tally update.
type TallyResult struct {
	ViewedCount   int
	SignedCount   int
	DeclinedCount int
	Status        Status
	// JustCompleted is true for exactly one caller per request: the one whose
	// increment carried signed_count to total_signers.
	JustCompleted bool
}
