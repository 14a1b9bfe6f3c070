package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/OpenWebEvents/newsletter-backend/models"
	"github.com/OpenWebEvents/newsletter-backend/ratelimit"
)

// Largest request body we read for a subscription.
const maxBodyBytes = 4 << 10

// Form field the challenge widget writes its token into, for clients that
// post the HTML form directly.
const widgetResponseField = "cf-turnstile-response"

// Subscribe is the handler for /api/subscribe
//   POST /api/subscribe
//        email: Address to subscribe.
//        token: Solved challenge token. Single use.
//        Accepts a JSON body, or a urlencoded form.
// Responds {ok: true} once the subscriber is durably stored, whether it is
// new or was already subscribed. Every failure is terminal for this token.
func (api *API) subscribe(r *http.Request) response {
	ctx, span := tracer.Start(r.Context(), "api.subscribe")
	defer span.End()

	// 1. Throttle by network address before looking at the body.
	address := api.Limiter.Address(r)
	limit, err := api.Limiter.HitAddress(ctx, address)
	if err != nil {
		return failure(models.InternalError, err)
	}
	if limit.Reached {
		return api.rateLimited(r, limit, "address")
	}
	headers := rateLimitHeaders(limit)

	// 2. Parse.
	req, kind := decodeSubscribeRequest(r)
	if kind != "" {
		res := failure(kind, nil)
		res.headers = headers
		return res
	}

	// 3. Verify the challenge before any write.
	if _, err := api.Verifier.Verify(ctx, req.Token, address); err != nil {
		kind := kindOf(err)
		api.logger().WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(ctx),
			"reason":     err.Error(),
		}).Info("Challenge verification failed")
		res := failure(kind, err)
		res.headers = headers
		return res
	}

	// 4. Normalize and validate.
	email, err := models.NormalizeEmail(req.Email)
	if err != nil {
		res := failure(models.InvalidEmail, err)
		res.headers = headers
		return res
	}

	// 5. Throttle by normalized email. Only verified attempts are counted.
	limit, err = api.Limiter.HitEmail(ctx, email)
	if err != nil {
		return failure(models.InternalError, err)
	}
	if limit.Reached {
		return api.rateLimited(r, limit, "email")
	}

	// 6. Write. Returns only once committed.
	outcome, err := api.Database.PutSubscriber(ctx, email, api.clock())
	if err != nil {
		return failure(models.InternalError, errors.Wrap(err, "put subscriber"))
	}
	span.SetAttributes(attribute.String("subscribe.outcome", outcome.String()))
	api.logger().WithFields(logrus.Fields{
		"email":      models.MaskEmail(email),
		"outcome":    outcome.String(),
		"request_id": middleware.GetReqID(ctx),
	}).Info("Subscription accepted")

	res := ok(nil)
	res.headers = headers
	return res
}

func (api *API) rateLimited(r *http.Request, limit ratelimit.Result, key string) response {
	api.logger().WithFields(logrus.Fields{
		"key":        key,
		"request_id": middleware.GetReqID(r.Context()),
	}).Warn("Subscription rate limited")
	res := failure(models.RateLimited, nil)
	res.headers = rateLimitHeaders(limit)
	return res
}

// decodeSubscribeRequest reads email and token from a JSON or form body.
// A malformed body or a blank email is InvalidEmail; a blank token is
// ChallengeFailed.
func decodeSubscribeRequest(r *http.Request) (models.SubscribeRequest, models.ErrorKind) {
	var req models.SubscribeRequest
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return req, models.InvalidEmail
		}
		req.Email = r.PostForm.Get("email")
		req.Token = r.PostForm.Get("token")
		if req.Token == "" {
			req.Token = r.PostForm.Get(widgetResponseField)
		}
	default:
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, models.InvalidEmail
		}
	}
	if strings.TrimSpace(req.Email) == "" {
		return req, models.InvalidEmail
	}
	if strings.TrimSpace(req.Token) == "" {
		return req, models.ChallengeFailed
	}
	return req, ""
}
