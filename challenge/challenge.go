// Package challenge verifies bot-challenge tokens with the challenge
// provider (Cloudflare Turnstile) and rejects replayed tokens.
//
// Verification failures come back as errors wrapping a models.ErrorKind:
// models.ChallengeFailed when the token is bad, expired, replayed or the
// provider timed out, and models.InternalError when the provider could not
// give an answer at all.
package challenge

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// DefaultVerifyURL is Turnstile's siteverify endpoint.
const DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Verification timeout bounds.
const (
	MinTimeout = time.Second
	MaxTimeout = 10 * time.Second
)

// TokenLifetime is how long the provider honours a solved token.
const TokenLifetime = 5 * time.Minute

// VerificationResult is the provider's verdict on a single token. It is used
// once and never stored.
type VerificationResult struct {
	Success            bool
	ErrorCodes         map[string]bool
	ChallengeTimestamp time.Time
	Hostname           string
	Action             string
}

// HasError reports whether the provider returned a particular error code.
func (r VerificationResult) HasError(code string) bool {
	return r.ErrorCodes[code]
}

// Verifier checks a challenge token for the caller at remoteIP.
type Verifier interface {
	Verify(ctx context.Context, token string, remoteIP string) (VerificationResult, error)
}

// Config holds the challenge provider settings.
type Config struct {
	SiteKey          string        `env:"TURNSTILE_SITE_KEY"` // public, handed to the widget
	Secret           string        `env:"TURNSTILE_SECRET_KEY,required"`
	VerifyURL        string        `env:"TURNSTILE_VERIFY_URL" envDefault:"https://challenges.cloudflare.com/turnstile/v0/siteverify"`
	ExpectedHostname string        `env:"TURNSTILE_EXPECTED_HOSTNAME"`
	Timeout          time.Duration `env:"VERIFY_TIMEOUT" envDefault:"8s"`
	Theme            string        `env:"TURNSTILE_THEME" envDefault:"auto"`
}

// LoadEnvironmentVariables reads challenge settings from the environment.
// The timeout is clamped to [MinTimeout, MaxTimeout].
func LoadEnvironmentVariables() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, errors.Wrap(err, "parse challenge env")
	}
	cfg.Timeout = clampTimeout(cfg.Timeout)
	return cfg, nil
}

func clampTimeout(d time.Duration) time.Duration {
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}
