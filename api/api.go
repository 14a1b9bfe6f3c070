package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/OpenWebEvents/newsletter-backend/challenge"
	"github.com/OpenWebEvents/newsletter-backend/db"
	"github.com/OpenWebEvents/newsletter-backend/models"
	"github.com/OpenWebEvents/newsletter-backend/ratelimit"
)

////////////////////////////////
//  *****   REST API   *****  //
////////////////////////////////

var tracer = otel.Tracer("github.com/OpenWebEvents/newsletter-backend/api")

// API is the HTTP API that this service provides.
// All requests respond with a JSON object with fields:
// {
//     ok       // true if the request succeeded
//     error    // one of the models.ErrorKind values, if ok is false
//     message  // human readable text for the error, safe to show users
//     response // response data, if any
// }
type API struct {
	Database       db.Database
	Verifier       challenge.Verifier
	Limiter        *ratelimit.Limiter
	SiteKey        string // public challenge site key, handed to clients
	Theme          string
	AllowedOrigins []string
	Log            logrus.FieldLogger
	AccessLog      io.Writer // combined access log, stdout if nil

	now func() time.Time
}

type response struct {
	StatusCode int              `json:"-"`
	OK         bool             `json:"ok"`
	Error      models.ErrorKind `json:"error,omitempty"`
	Message    string           `json:"message,omitempty"`
	Response   interface{}      `json:"response,omitempty"`

	headers http.Header // extra response headers
	cause   error       // internal detail; logged and reported, never sent
}

type apiHandler func(r *http.Request) response

func ok(data interface{}) response {
	return response{StatusCode: http.StatusOK, OK: true, Response: data}
}

// failure builds the response for an error kind. cause stays server-side.
func failure(kind models.ErrorKind, cause error) response {
	return response{
		StatusCode: kind.StatusCode(),
		Error:      kind,
		Message:    kind.Message(),
		cause:      cause,
	}
}

// kindOf extracts the ErrorKind an error was wrapped with. Anything untyped
// is an internal error.
func kindOf(err error) models.ErrorKind {
	var kind models.ErrorKind
	if errors.As(err, &kind) {
		return kind
	}
	return models.InternalError
}

func (api *API) clock() time.Time {
	if api.now == nil {
		return time.Now()
	}
	return api.now()
}

func (api *API) logger() logrus.FieldLogger {
	if api.Log == nil {
		return logrus.StandardLogger()
	}
	return api.Log
}

func (api *API) wrapper(handler apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := handler(r)
		if response.StatusCode >= http.StatusInternalServerError {
			msg := response.Message
			if response.cause != nil {
				msg = response.cause.Error()
			}
			api.logger().WithFields(logrus.Fields{
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			}).Error(msg)
			packet := raven.NewPacket(msg, raven.NewHttp(r))
			raven.Capture(packet, map[string]string{"error": string(response.Error)})
		}
		writeJSON(w, response)
	}
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
}

// RegisterHandlers binds API functions to the given router,
// and returns the resulting handler.
func (api *API) RegisterHandlers(mux *chi.Mux) http.Handler {
	mux.Use(middleware.RequestID)
	mux.Post("/api/subscribe", api.wrapper(api.subscribe))
	mux.Get("/api/config", api.wrapper(api.config))
	mux.Get("/api/health", api.wrapper(api.health))
	mux.HandleFunc("/api/ping", pingHandler)
	mux.MethodNotAllowed(api.wrapper(methodNotAllowed))
	mux.NotFound(api.wrapper(notFound))
	return api.middleware(mux)
}

type clientConfig struct {
	SiteKey string `json:"site_key"`
	Theme   string `json:"theme"`
}

// Config is the handler for /api/config
//   GET /api/config
//       Returns the public settings a client needs to render the challenge widget.
func (api *API) config(r *http.Request) response {
	theme := api.Theme
	if theme == "" {
		theme = "auto"
	}
	return ok(clientConfig{SiteKey: api.SiteKey, Theme: theme})
}

// Health is the handler for /api/health
//   GET /api/health
//       Succeeds if the subscriber store is reachable.
func (api *API) health(r *http.Request) response {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := api.Database.Ping(ctx); err != nil {
		res := failure(models.InternalError, errors.Wrap(err, "database ping"))
		res.StatusCode = http.StatusServiceUnavailable
		return res
	}
	return ok(nil)
}

func methodNotAllowed(r *http.Request) response {
	return response{StatusCode: http.StatusMethodNotAllowed,
		Message: fmt.Sprintf("%s does not accept %s requests", r.URL.Path, r.Method)}
}

func notFound(r *http.Request) response {
	return response{StatusCode: http.StatusNotFound, Message: "not found"}
}

// rateLimitHeaders mirrors the headers ulule/limiter's HTTP middleware sets.
func rateLimitHeaders(limit ratelimit.Result) http.Header {
	h := http.Header{}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(limit.Remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(limit.Reset.Unix(), 10))
	if limit.Reached {
		wait := int64(time.Until(limit.Reset).Seconds() + 1)
		if wait < 1 {
			wait = 1
		}
		h.Set("Retry-After", strconv.FormatInt(wait, 10))
	}
	return h
}

// Writes `v` as a JSON object to http.ResponseWriter `w`. If an error
// occurs, writes `http.StatusInternalServerError` to `w`.
func writeJSON(w http.ResponseWriter, apiResponse response) {
	for name, values := range apiResponse.headers {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	b, err := json.MarshalIndent(apiResponse, "", "  ")
	if err != nil {
		msg := fmt.Sprintf("Internal error: could not format JSON. (%s)\n", err)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(apiResponse.StatusCode)
	fmt.Fprintf(w, "%s\n", b)
}

func (api *API) accessLog() io.Writer {
	if api.AccessLog == nil {
		return os.Stdout
	}
	return api.AccessLog
}
