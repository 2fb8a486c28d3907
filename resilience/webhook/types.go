package webhook

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// WildcardEventType subscribes to every event.
const WildcardEventType = "*"

var (
	ErrSubscriptionRequired = errors.New("webhook: subscription is required")
	ErrSubscriptionNotFound = errors.New("webhook: subscription not found")
	ErrSubscriptionInactive = errors.New("webhook: subscription is inactive")
	ErrInvalidSubscription  = errors.New("webhook: invalid subscription")
	ErrDeliveryRequired     = errors.New("webhook: delivery is required")
	ErrEventRequired        = errors.New("webhook: event type and payload are required")
	ErrStoreRequired        = errors.New("webhook: store is required")
	ErrClientRequired       = errors.New("webhook: http client is required")
	ErrUnexpectedStatus     = errors.New("webhook: endpoint returned non-2xx status")
	ErrLimitMustBePositive  = errors.New("webhook: limit must be greater than zero")
)

// Subscription is a tenant's registration for a set of event types.
type Subscription struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"tenantId"`
	URL        string    `json:"url" validate:"required,url,startswith=http"`
	Secret     string    `json:"-" validate:"required,min=16"`
	EventTypes []string  `json:"eventTypes" validate:"required,min=1,dive,required"`
	IsActive   bool      `json:"isActive"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Matches reports whether sub is active and listens to eventType.
func (sub *Subscription) Matches(eventType string) bool {
	if sub == nil || !sub.IsActive {
		return false
	}

	return slices.Contains(sub.EventTypes, eventType) || slices.Contains(sub.EventTypes, WildcardEventType)
}

// Clone returns a deep copy.
func (sub *Subscription) Clone() *Subscription {
	if sub == nil {
		return nil
	}

	cp := *sub
	cp.EventTypes = slices.Clone(sub.EventTypes)

	return &cp
}

// Event is what gets delivered. ID doubles as the receiver's idempotency key.
type Event struct {
	ID         uuid.UUID
	Type       string
	Payload    []byte
	OccurredAt time.Time
}

// Delivery records one HTTP attempt. Deliveries are never updated.
type Delivery struct {
	ID             uuid.UUID     `json:"id"`
	TenantID       string        `json:"tenantId"`
	SubscriptionID uuid.UUID     `json:"subscriptionId"`
	EventID        uuid.UUID     `json:"eventId"`
	AttemptedAt    time.Time     `json:"attemptedAt"`
	Success        bool          `json:"success"`
	ResponseCode   int           `json:"responseCode"`
	Latency        time.Duration `json:"latency"`
	Error          string        `json:"error,omitempty"`
}

// Report summarizes one Deliver call.
type Report struct {
	Matched   int
	Succeeded int
	Failed    int
	Scheduled int
}
