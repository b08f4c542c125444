package domain

import "time"

// DeadLetterMessage is an operation that exhausted its retries and was parked
// for later re-admission. The ID is caller-supplied and acts as a dedup key.
type DeadLetterMessage struct {
	ID           string           `json:"id"            db:"message_id"`
	Operation    string           `json:"operation"     db:"original_operation"`
	Payload      []byte           `json:"payload"       db:"payload"`
	ErrorKind    ErrorKind        `json:"error_kind"    db:"error_kind"`
	ErrorMessage string           `json:"error_message" db:"error_message"`
	RetryAfter   time.Time        `json:"retry_after"   db:"retry_after"`
	FailureCount int              `json:"failure_count" db:"failure_count"`
	MaxRetries   int              `json:"max_retries"   db:"max_retries"`
	Status       DeadLetterStatus `json:"status"        db:"status"`
	CreatedAt    time.Time        `json:"created_at"    db:"created_at"`
}

type DeadLetterStatus string

const (
	DeadLetterPending          DeadLetterStatus = "PENDING"
	DeadLetterRecovered        DeadLetterStatus = "RECOVERED"
	DeadLetterPermanentFailure DeadLetterStatus = "PERMANENT_FAILURE"
)

// Exhausted reports whether the message has used up its retry budget.
func (m *DeadLetterMessage) Exhausted() bool {
	return m.FailureCount >= m.MaxRetries
}
