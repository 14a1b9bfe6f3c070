// Package client is the browser-side half of the subscription pipeline: a
// JSON client for the subscription API and the controller that drives one
// subscribe form.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/OpenWebEvents/newsletter-backend/models"
)

// Largest response body the client reads.
const maxResponseBytes = 64 << 10

// APIError is a non-success answer from the API.
type APIError struct {
	Status  int
	Kind    models.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("%d %s: %s", e.Status, e.Kind, e.Message)
	case e.Kind != "":
		return fmt.Sprintf("%d %s", e.Status, e.Kind)
	default:
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
}

// Unwrap exposes the error kind to errors.Is.
func (e *APIError) Unwrap() error {
	if e.Kind == "" {
		return nil
	}
	return e.Kind
}

// SiteConfig is the public widget configuration served by /api/config.
type SiteConfig struct {
	SiteKey string `json:"site_key"`
	Theme   string `json:"theme"`
}

// Client talks to the subscription API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a Client for the API rooted at baseURL.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	OK       bool             `json:"ok"`
	Error    models.ErrorKind `json:"error"`
	Message  string           `json:"message"`
	Response json.RawMessage  `json:"response"`
}

// Subscribe submits email with a solved challenge token. It returns nil only
// on {ok:true}. Failures are never retried.
func (c *Client) Subscribe(ctx context.Context, email string, token string) error {
	body, err := json.Marshal(models.SubscribeRequest{Email: email, Token: token})
	if err != nil {
		return errors.Wrap(err, "encode subscribe request")
	}
	_, err = c.do(ctx, http.MethodPost, "/api/subscribe", body)
	return err
}

// Config fetches the public widget configuration.
func (c *Client) Config(ctx context.Context) (SiteConfig, error) {
	var cfg SiteConfig
	env, err := c.do(ctx, http.MethodGet, "/api/config", nil)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(env.Response, &cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

func (c *Client) do(ctx context.Context, method string, path string, body []byte) (envelope, error) {
	var env envelope
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return env, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return env, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return env, errors.Wrap(err, "read response")
	}
	decodeErr := json.Unmarshal(data, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !env.OK {
		apiErr := &APIError{Status: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Kind = env.Error
			apiErr.Message = env.Message
		}
		return env, apiErr
	}
	if decodeErr != nil {
		return env, errors.Wrap(decodeErr, "decode response")
	}
	return env, nil
}
