package audit

import "time"

// Event types mirror the event_type enum in the schema.
const (
	TypeRequestCreated   = "REQUEST_CREATED"
	TypeSignerViewed     = "SIGNER_VIEWED"
	TypeSignerSigned     = "SIGNER_SIGNED"
	TypeSignerDeclined   = "SIGNER_DECLINED"
	TypeRequestCancelled = "REQUEST_CANCELLED"
	TypeRequestCompleted = "REQUEST_COMPLETED"
	TypeRequestDeclined  = "REQUEST_DECLINED"
	TypeRequestExpired   = "REQUEST_EXPIRED"
	TypeExpiryWarning    = "EXPIRY_WARNING"
	TypeRequestFinalized = "REQUEST_FINALIZED"
	TypeCodeVerified     = "CODE_VERIFIED"
)

// Event is one append-only audit record. Seq is assigned by the database.
type Event struct {
	ID         int64
	RequestID  string
	SignerID   *string
	Seq        int
	Type       string
	ActorIP    *string
	ActorAgent *string
	Payload    map[string]any
	CreatedAt  time.Time
}

// Actor carries optional request-context metadata onto an event.
type Actor struct {
	IP    string
	Agent string
}

func (a Actor) apply(ev *Event) {
	if a.IP != "" {
		ip := a.IP
		ev.ActorIP = &ip
	}
	if a.Agent != "" {
		agent := a.Agent
		ev.ActorAgent = &agent
	}
}
