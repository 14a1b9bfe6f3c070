package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenWebEvents/newsletter-backend/models"
)

// MemDatabase is an in-memory Database, for tests and local development.
// A single mutex makes every write to a key serialized.
type MemDatabase struct {
	cfg         Config
	mu          sync.Mutex
	subscribers map[string]models.Subscriber
}

// InitMemDatabase returns an empty MemDatabase.
func InitMemDatabase(cfg Config) *MemDatabase {
	return &MemDatabase{
		cfg:         cfg,
		subscribers: make(map[string]models.Subscriber),
	}
}

// PutSubscriber creates or reactivates the subscriber for email.
func (db *MemDatabase) PutSubscriber(ctx context.Context, email string, at time.Time) (models.SubscribeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return models.OutcomeAlreadyActive, err
	}
	at = fromMillis(toMillis(at))
	db.mu.Lock()
	defer db.mu.Unlock()
	sub, ok := db.subscribers[email]
	if ok && sub.Active() {
		return models.OutcomeAlreadyActive, nil
	}
	outcome := models.OutcomeReactivated
	if !ok {
		outcome = models.OutcomeCreated
		sub = models.Subscriber{ID: uuid.NewString(), Email: email}
	}
	sub.Status = models.StatusActive
	sub.SubscribedAt = at
	sub.UpdatedAt = at
	db.subscribers[email] = sub
	return outcome, nil
}

// GetSubscriber retrieves the subscriber for email.
func (db *MemDatabase) GetSubscriber(ctx context.Context, email string) (models.Subscriber, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	sub, ok := db.subscribers[email]
	if !ok {
		return models.Subscriber{}, ErrNotFound
	}
	return sub, nil
}

// GetSubscribers retrieves all subscribers with the given status, oldest first.
func (db *MemDatabase) GetSubscribers(ctx context.Context, status models.SubscriberStatus) ([]models.Subscriber, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	data := make([]models.Subscriber, 0)
	for _, sub := range db.subscribers {
		if sub.Status == status {
			data = append(data, sub)
		}
	}
	sort.Slice(data, func(i, j int) bool {
		if data[i].SubscribedAt.Equal(data[j].SubscribedAt) {
			return data[i].Email < data[j].Email
		}
		return data[i].SubscribedAt.Before(data[j].SubscribedAt)
	})
	return data, nil
}

// Unsubscribe marks the subscriber for email as unsubscribed.
func (db *MemDatabase) Unsubscribe(ctx context.Context, email string, at time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	sub, ok := db.subscribers[email]
	if !ok {
		return ErrNotFound
	}
	if sub.Active() {
		sub.Status = models.StatusUnsubscribed
		sub.UpdatedAt = fromMillis(toMillis(at))
		db.subscribers[email] = sub
	}
	return nil
}

// Ping always succeeds.
func (db *MemDatabase) Ping(ctx context.Context) error {
	return nil
}

// ClearTables empties the store.
func (db *MemDatabase) ClearTables() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.subscribers = make(map[string]models.Subscriber)
	return nil
}

// Close does nothing.
func (db *MemDatabase) Close() error {
	return nil
}
