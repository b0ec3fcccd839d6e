package signer

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusViewed   Status = "viewed"
	StatusSigned   Status = "signed"
	StatusDeclined Status = "declined"
)

// Terminal reports whether the per-signer state admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusSigned || s == StatusDeclined
}

// Signer mirrors the signers table. ViewedAt is the single source of truth
// for "has viewed": null means never viewed, independent of status.
type Signer struct {
	ID              string
	RequestID       string
	Email           string
	FullName        string
	SigningOrder    int
	Status          Status
	CodeRequired    bool
	AccessTokenHash string
	FieldSchema     string
	ViewedAt        *time.Time
	SignedAt        *time.Time
	DeclinedReason  *string
	Payload         *Payload
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payload is the captured signature data stored on a signed signer.
type Payload struct {
	Kind      string         `json:"kind"` // "image" or "typed"
	ImageData string         `json:"image_data,omitempty"`
	TypedText string         `json:"typed_text,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
