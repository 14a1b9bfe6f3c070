package challenge

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/OpenWebEvents/newsletter-backend/models"
)

// Turnstile tokens are at most 2048 characters.
const maxTokenLength = 2048

// Provider error codes that mean our side is misconfigured, or theirs is down,
// rather than the visitor failing the challenge.
var configErrorCodes = map[string]bool{
	"missing-input-secret": true,
	"invalid-input-secret": true,
	"internal-error":       true,
}

var tracer = otel.Tracer("github.com/OpenWebEvents/newsletter-backend/challenge")

// Turnstile verifies tokens against Cloudflare's siteverify API.
type Turnstile struct {
	secret           string
	verifyURL        string
	expectedHostname string
	timeout          time.Duration
	client           *http.Client
	log              logrus.FieldLogger
}

// NewTurnstile builds a Turnstile verifier from cfg.
func NewTurnstile(cfg Config, logger logrus.FieldLogger) *Turnstile {
	verifyURL := cfg.VerifyURL
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Turnstile{
		secret:           cfg.Secret,
		verifyURL:        verifyURL,
		expectedHostname: cfg.ExpectedHostname,
		timeout:          clampTimeout(cfg.Timeout),
		client:           &http.Client{},
		log:              logger,
	}
}

// siteverifyResponse is the wire format of a siteverify answer.
type siteverifyResponse struct {
	Success     bool     `json:"success"`
	ErrorCodes  []string `json:"error-codes"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	Action      string   `json:"action"`
}

func (r siteverifyResponse) result() VerificationResult {
	result := VerificationResult{
		Success:    r.Success,
		ErrorCodes: make(map[string]bool, len(r.ErrorCodes)),
		Hostname:   r.Hostname,
		Action:     r.Action,
	}
	for _, code := range r.ErrorCodes {
		result.ErrorCodes[code] = true
	}
	if ts, err := time.Parse(time.RFC3339, r.ChallengeTS); err == nil {
		result.ChallengeTimestamp = ts
	}
	return result
}

// Verify asks the provider whether token is genuine and unused. Each call is a
// fresh round trip; results are never reused.
func (t *Turnstile) Verify(ctx context.Context, token string, remoteIP string) (VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "challenge.Verify")
	defer span.End()

	result, err := t.verify(ctx, token, remoteIP)
	span.SetAttributes(
		attribute.Bool("challenge.success", result.Success),
		attribute.String("challenge.hostname", result.Hostname),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (t *Turnstile) verify(ctx context.Context, token string, remoteIP string) (VerificationResult, error) {
	if len(token) == 0 || len(token) > maxTokenLength {
		return VerificationResult{}, errors.Wrap(models.ChallengeFailed, "token missing or oversized")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", t.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}
	form.Set("idempotency_key", uuid.NewString())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return VerificationResult{}, errors.Wrap(models.InternalError, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return VerificationResult{}, errors.Wrap(models.ChallengeFailed, "verification timed out")
		}
		return VerificationResult{}, errors.Wrap(models.InternalError, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return VerificationResult{}, errors.Wrapf(models.InternalError, "siteverify answered %d", resp.StatusCode)
	}
	var body siteverifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		if isTimeout(ctx, err) {
			return VerificationResult{}, errors.Wrap(models.ChallengeFailed, "verification timed out")
		}
		return VerificationResult{}, errors.Wrap(models.InternalError, "decode siteverify response")
	}
	result := body.result()

	if !result.Success {
		for _, code := range body.ErrorCodes {
			if configErrorCodes[code] {
				t.log.WithField("error_codes", body.ErrorCodes).Error("Challenge provider rejected our request")
				return result, errors.Wrapf(models.InternalError, "siteverify error %s", code)
			}
		}
		t.log.WithField("error_codes", body.ErrorCodes).Debug("Challenge token rejected")
		return result, errors.Wrapf(models.ChallengeFailed, "rejected: %s", strings.Join(body.ErrorCodes, ","))
	}
	if t.expectedHostname != "" && !strings.EqualFold(result.Hostname, t.expectedHostname) {
		return result, errors.Wrapf(models.ChallengeFailed, "token issued for %s", result.Hostname)
	}
	return result, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
