package db

import (
	"context"
	"flag"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/OpenWebEvents/newsletter-backend/models"
)

// ErrNotFound is returned when no subscriber exists for an e-mail.
var ErrNotFound = errors.New("subscriber not found")

// Database interface: These are the things that the Database should be able to do.
// Subscribers are never deleted outside of tests.
type Database interface {
	// Creates or reactivates the subscriber for a normalized email. Must be
	// atomic per email: concurrent calls never produce two rows.
	PutSubscriber(ctx context.Context, email string, at time.Time) (models.SubscribeOutcome, error)
	// Retrieves the subscriber for a normalized email.
	GetSubscriber(ctx context.Context, email string) (models.Subscriber, error)
	// Retrieves all subscribers in a particular status.
	GetSubscribers(ctx context.Context, status models.SubscriberStatus) ([]models.Subscriber, error)
	// Marks a subscriber as unsubscribed.
	Unsubscribe(ctx context.Context, email string, at time.Time) error
	// Checks that the store is reachable.
	Ping(ctx context.Context) error
	ClearTables() error
	Close() error
}

// Config is a configuration struct for a Database.
type Config struct {
	Driver     string `env:"DB_DRIVER" envDefault:"postgres"` // postgres, sqlite or memory
	DbHost     string `env:"DB_HOST" envDefault:"localhost"`
	DbName     string `env:"DB_NAME" envDefault:"newsletter"`
	DbUsername string `env:"DB_USERNAME" envDefault:"postgres"`
	DbPass     string `env:"DB_PASSWORD" envDefault:"postgres"`
	DbPath     string `env:"DB_PATH" envDefault:"newsletter.db"` // sqlite only
	TestDbName string `env:"TEST_DB_NAME" envDefault:"newsletter_test"`
}

// LoadEnvironmentVariables loads relevant environment variables into a
// Config object.
func LoadEnvironmentVariables() (Config, error) {
	config := Config{}
	if err := env.Parse(&config); err != nil {
		return config, errors.Wrap(err, "parse database env")
	}
	if flag.Lookup("test.v") != nil {
		// Avoid accidentally wiping the default db during tests.
		config.DbName = config.TestDbName
	}
	return config, nil
}

// Open returns the Database selected by cfg.Driver.
func Open(cfg Config) (Database, error) {
	switch cfg.Driver {
	case "memory":
		return InitMemDatabase(cfg), nil
	case "postgres", "sqlite":
		return InitSQLDatabase(cfg)
	}
	return nil, errors.Errorf("unknown DB_DRIVER %q", cfg.Driver)
}
