// Package model holds the typed rows the worker reads and writes.
//
// Store drivers map their result sets into these structs; nothing past the
// store boundary handles untyped rows.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Event types written by the pricing API. The worker treats them as opaque
// tags; they are listed for tests and tooling.
const (
	EventPriceIncrease      = "price_increase"
	EventPriceDecrease      = "price_decrease"
	EventPriceUpdate        = "price_update"
	EventAvailabilityChange = "availability_change"
)

// PriceEvent is a domain occurrence that may fan out into notifications.
//
// ProcessedAt stays nil until the event is terminally handled (processed or
// dead-lettered) and never reverts once set.
type PriceEvent struct {
	ID          uuid.UUID  `json:"id"`
	VendorID    uuid.UUID  `json:"vendor_id"`
	EventType   string     `json:"event_type"`
	Severity    *int       `json:"severity,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
}

func (e PriceEvent) Processed() bool { return e.ProcessedAt != nil }
func (e PriceEvent) Failed() bool    { return e.FailedAt != nil }

// SeverityOr returns the event severity, or def when it is unset.
func (e PriceEvent) SeverityOr(def int) int {
	if e.Severity == nil {
		return def
	}
	return *e.Severity
}

// Subscription is a user's opt-in for one vendor and event type.
type Subscription struct {
	UserID      uuid.UUID `json:"user_id"`
	VendorID    uuid.UUID `json:"vendor_id"`
	EventType   string    `json:"event_type"`
	MinSeverity int       `json:"min_severity"`
	Active      bool      `json:"active"`
}

// Subscriber is a matched recipient for a single event.
type Subscriber struct {
	UserID      uuid.UUID
	MinSeverity int
}

// Notification is the durable output row read by delivery channels.
// (UserID, EventID) is unique.
type Notification struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	EventID   uuid.UUID  `json:"event_id"`
	EventType string     `json:"event_type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// DeadLetterEvent quarantines an event that exhausted its retries.
// ID equals the originating event id.
type DeadLetterEvent struct {
	ID            uuid.UUID  `json:"id"`
	OriginalEvent PriceEvent `json:"original_event"`
	Error         string     `json:"error"`
	RecordedAt    time.Time  `json:"recorded_at"`
}

// Severity returns a pointer to v, for building events in code and tests.
func Severity(v int) *int { return &v }
