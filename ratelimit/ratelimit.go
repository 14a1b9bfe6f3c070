// Package ratelimit throttles subscription attempts per network address and
// per e-mail address with fixed-window counters.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

const storePrefix = "newsletter:limiter"

// Config is the throttling policy.
type Config struct {
	Window   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1h"`
	Max      int64         `env:"RATE_LIMIT_MAX" envDefault:"10"`
	RedisURL string        `env:"REDIS_URL"`

	// Only trust client-supplied address headers when a proxy in front of
	// us sets them. ClientIPHeader wins over TrustForwardHeader.
	TrustForwardHeader bool   `env:"TRUST_FORWARD_HEADER" envDefault:"false"`
	ClientIPHeader     string `env:"CLIENT_IP_HEADER"`
}

// LoadEnvironmentVariables reads the rate-limit policy from the environment.
func LoadEnvironmentVariables() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parse rate limit env")
	}
	if cfg.Window <= 0 || cfg.Max <= 0 {
		return cfg, errors.Errorf("RATE_LIMIT_WINDOW and RATE_LIMIT_MAX must be positive")
	}
	return cfg, nil
}

// Result is the state of one counter after a hit.
type Result struct {
	Limit     int64
	Remaining int64
	Reset     time.Time
	Reached   bool
}

// Limiter counts subscription attempts.
type Limiter struct {
	limiter *limiter.Limiter
	close   func() error
}

// New builds a Limiter. With a RedisURL the counters are shared through
// Redis, otherwise they live in process memory.
func New(cfg Config) (*Limiter, error) {
	store, closer, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, store, closer), nil
}

// NewWithStore builds a Limiter on an existing store. closer may be nil.
func NewWithStore(cfg Config, store limiter.Store, closer func() error) *Limiter {
	rate := limiter.Rate{
		Period: cfg.Window,
		Limit:  cfg.Max,
	}
	if closer == nil {
		closer = func() error { return nil }
	}
	return &Limiter{
		limiter: limiter.New(store, rate,
			limiter.WithTrustForwardHeader(cfg.TrustForwardHeader),
			limiter.WithClientIPHeader(cfg.ClientIPHeader),
		),
		close: closer,
	}
}

func newStore(cfg Config) (limiter.Store, func() error, error) {
	if cfg.RedisURL == "" {
		store := memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          storePrefix,
			CleanUpInterval: time.Minute,
		})
		return store, nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse REDIS_URL")
	}
	client := redis.NewClient(opts)
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: storePrefix})
	if err != nil {
		client.Close()
		return nil, nil, errors.Wrap(err, "redis rate limit store")
	}
	return store, client.Close, nil
}

// Address returns the caller's network address. It is the TCP peer unless
// ClientIPHeader or TrustForwardHeader say a proxy supplies it.
func (l *Limiter) Address(r *http.Request) string {
	return l.limiter.GetIPKey(r)
}

// HitAddress counts one attempt from a network address.
func (l *Limiter) HitAddress(ctx context.Context, address string) (Result, error) {
	return l.hit(ctx, "ip:"+address)
}

// HitEmail counts one attempt for an e-mail address.
func (l *Limiter) HitEmail(ctx context.Context, email string) (Result, error) {
	return l.hit(ctx, "email:"+email)
}

func (l *Limiter) hit(ctx context.Context, key string) (Result, error) {
	lctx, err := l.limiter.Get(ctx, key)
	if err != nil {
		return Result{}, errors.Wrap(err, "rate limit store")
	}
	return Result{
		Limit:     lctx.Limit,
		Remaining: lctx.Remaining,
		Reset:     time.Unix(lctx.Reset, 0),
		Reached:   lctx.Reached,
	}, nil
}

// Close releases the backing store.
func (l *Limiter) Close() error {
	return l.close()
}
