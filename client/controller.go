package client

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/OpenWebEvents/newsletter-backend/models"
	"github.com/OpenWebEvents/newsletter-backend/notify"
	"github.com/OpenWebEvents/newsletter-backend/widget"
)

// ErrSubmitInProgress is returned by Submit while another submission from the
// same form is in flight.
var ErrSubmitInProgress = errors.New("a submission is already in progress")

// Generic text shown when the server gave no usable reason.
var genericFailure = models.InternalError.Message()

// Subscriber sends a subscription to the API. *Client implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, email string, token string) error
}

// Challenge reads and resets the rendered challenge widget. *widget.Binding
// implements it.
type Challenge interface {
	Token(h widget.Handle) (string, bool)
	Reset(h widget.Handle) error
}

// Notifier shows the result of an attempt. *notify.Queue implements it.
type Notifier interface {
	Push(n notify.Notification) uint64
}

// State of a Controller.
type State int

const (
	Idle State = iota
	Submitting
)

// Controller owns one subscribe form: the email field, the widget handle and
// the in-flight flag. Only one submission runs at a time.
type Controller struct {
	API       Subscriber
	Challenge Challenge
	Widget    widget.Handle
	Notifier  Notifier
	Log       logrus.FieldLogger

	mu    sync.Mutex
	email string
	state State
}

// SetEmail updates the email field.
func (c *Controller) SetEmail(email string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.email = email
}

// Email returns the email field.
func (c *Controller) Email() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.email
}

// State returns Submitting while a request is in flight.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanSubmit reports whether the submit control should be enabled.
func (c *Controller) CanSubmit() bool {
	return c.State() == Idle
}

// Submit runs one subscription attempt. Every attempt ends with exactly one
// notification and a reset widget, and none is retried.
func (c *Controller) Submit(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Submitting {
		c.mu.Unlock()
		return ErrSubmitInProgress
	}
	c.state = Submitting
	email := c.email
	c.mu.Unlock()

	defer func() {
		if err := c.Challenge.Reset(c.Widget); err != nil {
			c.logger().WithError(err).Warn("Could not reset challenge widget")
		}
		c.mu.Lock()
		c.state = Idle
		c.mu.Unlock()
	}()

	token, ok := c.Challenge.Token(c.Widget)
	if !ok {
		c.fail(models.ChallengeNotCompleted.Message())
		return models.ChallengeNotCompleted
	}
	attempt := models.SubscriptionAttempt{Email: email, ChallengeToken: token, SubmittedAt: time.Now()}

	if err := c.API.Subscribe(ctx, attempt.Email, attempt.ChallengeToken); err != nil {
		c.logger().WithFields(logrus.Fields{
			"email": models.MaskEmail(attempt.Email),
			"took":  time.Since(attempt.SubmittedAt),
		}).WithError(err).Info("Subscription failed")
		c.fail(failureMessage(err))
		return err
	}

	c.mu.Lock()
	if c.email == email {
		c.email = ""
	}
	c.mu.Unlock()
	c.Notifier.Push(notify.Notification{
		Title:       "Success!",
		Description: "You've been subscribed to our newsletter.",
		Variant:     notify.Success,
		Duration:    notify.DefaultDuration,
	})
	return nil
}

func (c *Controller) fail(description string) {
	c.Notifier.Push(notify.Notification{
		Title:       "Error",
		Description: description,
		Variant:     notify.Error,
		Duration:    notify.DefaultDuration,
	})
}

func (c *Controller) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

// failureMessage picks the text shown for a failed attempt: the server's
// message, else the text for its error kind, else a generic line.
func failureMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		if apiErr.Kind != "" {
			return apiErr.Kind.Message()
		}
	}
	return genericFailure
}
