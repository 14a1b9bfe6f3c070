package models

import "time"

// SubscriberStatus represents whether a subscriber currently receives mail.
type SubscriberStatus string

// Possible values for SubscriberStatus
const (
	StatusActive       SubscriberStatus = "active"       // Eligible to receive communications.
	StatusUnsubscribed SubscriberStatus = "unsubscribed" // Opted out. The row is kept for auditing.
)

// Subscriber stores a single newsletter subscription, keyed by its
// normalized e-mail address.
type Subscriber struct {
	ID           string           `json:"-"`
	Email        string           `json:"email"`         // Normalized e-mail, unique.
	Status       SubscriberStatus `json:"status"`        // active or unsubscribed
	SubscribedAt time.Time        `json:"subscribed_at"` // Refreshed on reactivation.
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Active is true if the subscriber is eligible to receive communications.
func (s Subscriber) Active() bool {
	return s.Status == StatusActive
}

// SubscribeOutcome describes what a subscribe write did to the store.
type SubscribeOutcome int

// Possible values for SubscribeOutcome
const (
	OutcomeCreated       SubscribeOutcome = iota // New row.
	OutcomeAlreadyActive                         // No-op, the subscriber was already active.
	OutcomeReactivated                           // An unsubscribed row became active again.
)

func (o SubscribeOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyActive:
		return "already_active"
	case OutcomeReactivated:
		return "reactivated"
	}
	return "unknown"
}

// SubscriptionAttempt is a single client-side form submission. It only lives
// until the request resolves.
type SubscriptionAttempt struct {
	Email          string
	ChallengeToken string
	SubmittedAt    time.Time
}

// SubscribeRequest is the JSON body accepted by POST /api/subscribe.
type SubscribeRequest struct {
	Email string `json:"email"`
	Token string `json:"token"`
}
