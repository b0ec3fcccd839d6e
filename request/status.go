package request

// Status is the request lifecycle state. The database enforces the same
// transition table via request_validate_transition; the in-process copy lets
// services reject bad transitions before touching the store.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
	StatusDeclined   Status = "declined"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled, StatusDeclined:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusDraft:      {StatusPending, StatusCancelled, StatusExpired},
	StatusPending:    {StatusInProgress, StatusCompleted, StatusCancelled, StatusExpired, StatusDeclined},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusExpired, StatusDeclined},
}

// CanTransition reports whether from -> to is in the closed transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
