package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/gorp.v2"

	// Imports postgresql driver for database/sql
	_ "github.com/lib/pq"
	// Imports sqlite driver for database/sql
	_ "modernc.org/sqlite"

	"github.com/OpenWebEvents/newsletter-backend/models"
)

const subscriberTable = "subscribers"

// SQLDatabase is a Database interface backed by postgresql or sqlite.
type SQLDatabase struct {
	cfg      Config
	conn     *gorp.DbMap
	bindType int
}

// subscriberRow mirrors a row of the subscribers table. Times are stored as
// unix milliseconds so both dialects scan them the same way.
type subscriberRow struct {
	ID           string `db:"id"`
	Email        string `db:"email"`
	Status       string `db:"status"`
	SubscribedAt int64  `db:"subscribed_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (r subscriberRow) subscriber() models.Subscriber {
	return models.Subscriber{
		ID:           r.ID,
		Email:        r.Email,
		Status:       models.SubscriberStatus(r.Status),
		SubscribedAt: fromMillis(r.SubscribedAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
	}
}

func getConnectionString(cfg Config) string {
	connectionString := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		url.PathEscape(cfg.DbUsername),
		url.PathEscape(cfg.DbPass),
		url.PathEscape(cfg.DbHost),
		url.PathEscape(cfg.DbName))
	return connectionString
}

func openConnection(cfg Config) (*sql.DB, gorp.Dialect, error) {
	switch cfg.Driver {
	case "postgres":
		log.Printf("Connecting to Postgres DB ... \n")
		conn, err := sql.Open("postgres", getConnectionString(cfg))
		return conn, gorp.PostgresDialect{}, err
	case "sqlite":
		log.Printf("Opening SQLite DB at %s ... \n", cfg.DbPath)
		conn, err := sql.Open("sqlite", cfg.DbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
		if err != nil {
			return nil, nil, err
		}
		// SQLite has a single writer; serialize through one connection.
		conn.SetMaxOpenConns(1)
		return conn, gorp.SqliteDialect{}, nil
	}
	return nil, nil, errors.Errorf("driver %q is not a SQL driver", cfg.Driver)
}

// InitSQLDatabase creates a DB connection based on information in a Config, and
// returns a pointer the resulting SQLDatabase object. Creates the subscribers
// table if it doesn't exist. If connection fails, returns an error.
func InitSQLDatabase(cfg Config) (*SQLDatabase, error) {
	conn, dialect, err := openConnection(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	dbmap := &gorp.DbMap{Db: conn, Dialect: dialect}
	table := dbmap.AddTableWithName(subscriberRow{}, subscriberTable).SetKeys(false, "Email")
	table.ColMap("Email").SetMaxSize(254)
	table.ColMap("ID").SetUnique(true).SetNotNull(true)
	table.ColMap("Status").SetMaxSize(16).SetNotNull(true)
	if err := dbmap.CreateTablesIfNotExists(); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "create tables")
	}
	return &SQLDatabase{
		cfg:      cfg,
		conn:     dbmap,
		bindType: sqlx.BindType(cfg.Driver),
	}, nil
}

// rebind rewrites ? placeholders into the driver's bindvar style.
func (db *SQLDatabase) rebind(query string) string {
	return sqlx.Rebind(db.bindType, query)
}

// The conflict branch only fires for unsubscribed rows, so RETURNING yields
// nothing when the subscriber is already active.
const upsertSubscriberQuery = `
INSERT INTO subscribers (id, email, status, subscribed_at, updated_at)
    VALUES (?, ?, ?, ?, ?)
    ON CONFLICT (email) DO UPDATE
        SET status = excluded.status,
            subscribed_at = excluded.subscribed_at,
            updated_at = excluded.updated_at
        WHERE subscribers.status <> excluded.status
    RETURNING id
`

// PutSubscriber inserts an active subscriber for email, or reactivates it if it
// was unsubscribed. Uniqueness is enforced by the primary key on email, so
// racing writers for the same address resolve inside the database.
func (db *SQLDatabase) PutSubscriber(ctx context.Context, email string, at time.Time) (models.SubscribeOutcome, error) {
	newID := uuid.NewString()
	ms := toMillis(at)
	id, err := db.conn.WithContext(ctx).SelectNullStr(db.rebind(upsertSubscriberQuery),
		newID, email, string(models.StatusActive), ms, ms)
	if err != nil {
		return models.OutcomeAlreadyActive, errors.Wrap(err, "upsert subscriber")
	}
	switch {
	case !id.Valid:
		return models.OutcomeAlreadyActive, nil
	case id.String == newID:
		return models.OutcomeCreated, nil
	default:
		return models.OutcomeReactivated, nil
	}
}

// GetSubscriber retrieves the subscriber row for a normalized email.
func (db *SQLDatabase) GetSubscriber(ctx context.Context, email string) (models.Subscriber, error) {
	obj, err := db.conn.WithContext(ctx).Get(subscriberRow{}, email)
	if err != nil {
		return models.Subscriber{}, errors.Wrap(err, "get subscriber")
	}
	if obj == nil {
		return models.Subscriber{}, ErrNotFound
	}
	return obj.(*subscriberRow).subscriber(), nil
}

// GetSubscribers retrieves all the subscribers which match a particular status,
// oldest first.
func (db *SQLDatabase) GetSubscribers(ctx context.Context, status models.SubscriberStatus) ([]models.Subscriber, error) {
	rows := []subscriberRow{}
	_, err := db.conn.WithContext(ctx).Select(&rows,
		db.rebind("SELECT * FROM subscribers WHERE status = ? ORDER BY subscribed_at, email"), string(status))
	subscribers := []models.Subscriber{}
	for _, row := range rows {
		subscribers = append(subscribers, row.subscriber())
	}
	return subscribers, errors.Wrap(err, "select subscribers")
}

// Unsubscribe flips an active subscriber to unsubscribed. Unsubscribing an
// already unsubscribed address is a no-op.
func (db *SQLDatabase) Unsubscribe(ctx context.Context, email string, at time.Time) error {
	exec := db.conn.WithContext(ctx)
	res, err := exec.Exec(db.rebind("UPDATE subscribers SET status = ?, updated_at = ? WHERE email = ? AND status = ?"),
		string(models.StatusUnsubscribed), toMillis(at), email, string(models.StatusActive))
	if err != nil {
		return errors.Wrap(err, "unsubscribe")
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = db.GetSubscriber(ctx, email)
	return err
}

// Ping checks the database connection.
func (db *SQLDatabase) Ping(ctx context.Context) error {
	return db.conn.Db.PingContext(ctx)
}

// ClearTables nukes all the tables. ** Should only be used during testing **
func (db *SQLDatabase) ClearTables() error {
	if _, err := db.conn.Exec(fmt.Sprintf("DELETE FROM %s", subscriberTable)); err != nil {
		return fmt.Errorf("command failed: DELETE FROM %s\nwith error: %v", subscriberTable, err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (db *SQLDatabase) Close() error {
	return db.conn.Db.Close()
}
