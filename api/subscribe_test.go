package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/OpenWebEvents/newsletter-backend/db"
	"github.com/OpenWebEvents/newsletter-backend/models"
	"github.com/OpenWebEvents/newsletter-backend/ratelimit"
)

func subscribeBody(email string, token string) models.SubscribeRequest {
	return models.SubscribeRequest{Email: email, Token: token}
}

func activeSubscribers(t *testing.T, database db.Database) []models.Subscriber {
	t.Helper()
	subs, err := database.GetSubscribers(context.Background(), models.StatusActive)
	if err != nil {
		t.Fatalf("GetSubscribers failed: %v", err)
	}
	return subs
}

func expectFailure(t *testing.T, resp *http.Response, body apiBody, status int, kind models.ErrorKind) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("Expected status code %d, got %d (%+v)", status, resp.StatusCode, body)
	}
	if body.OK || body.Error != string(kind) {
		t.Fatalf("Expected {ok:false, error:%s}, got %+v", kind, body)
	}
	if body.Message != kind.Message() {
		t.Errorf("Expected message %q, got %q", kind.Message(), body.Message)
	}
}

// Tests basic subscription workflow.
func TestBasicSubscribe(t *testing.T) {
	defer teardown()
	resp, body := post(t, server.URL, "/api/subscribe", subscribeBody("me@example.com", freshToken()), "192.0.2.1")
	if resp.StatusCode != http.StatusOK || !body.OK {
		t.Fatalf("Expected 200 {ok:true}, got %d %+v", resp.StatusCode, body)
	}
	if resp.Header.Get("Content-Type") != "application/json; charset=utf-8" {
		t.Errorf("Expecting JSON content-type!")
	}
	if resp.Header.Get("X-RateLimit-Limit") == "" {
		t.Errorf("Expecting rate limit headers")
	}
	subs := activeSubscribers(t, api.Database)
	if len(subs) != 1 || subs[0].Email != "me@example.com" {
		t.Errorf("Expected exactly one active subscriber, got %+v", subs)
	}
}

func TestDuplicateSubscribes(t *testing.T) {
	defer teardown()
	for i := 0; i < 2; i++ {
		resp, body := post(t, server.URL, "/api/subscribe", subscribeBody("sydney@example.org", freshToken()), "192.0.2.2")
		if resp.StatusCode != http.StatusOK || !body.OK {
			t.Fatalf("Submission %d: expected 200, got %d %+v", i, resp.StatusCode, body)
		}
	}
	if subs := activeSubscribers(t, api.Database); len(subs) != 1 {
		t.Errorf("Expected exactly one subscriber after re-submission, got %d", len(subs))
	}
}

func TestResubscribeAfterUnsubscribe(t *testing.T) {
	defer teardown()
	post(t, server.URL, "/api/subscribe", subscribeBody("back@example.com", freshToken()), "192.0.2.3")
	if err := api.Database.Unsubscribe(context.Background(), "back@example.com", time.Now()); err != nil {
		t.Fatal(err)
	}
	resp, _ := post(t, server.URL, "/api/subscribe", subscribeBody("Back@Example.com", freshToken()), "192.0.2.3")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	sub, err := api.Database.GetSubscriber(context.Background(), "back@example.com")
	if err != nil || !sub.Active() {
		t.Errorf("Expected subscriber to be reactivated, got %+v %v", sub, err)
	}
}

func TestSubscribeChallengeRejected(t *testing.T) {
	defer teardown()
	before := provider.Calls()
	resp, body := post(t, server.URL, "/api/subscribe", subscribeBody("me@example.com", "bogus-token"), "192.0.2.4")
	expectFailure(t, resp, body, http.StatusForbidden, models.ChallengeFailed)
	if provider.Calls() != before+1 {
		t.Errorf("Expected exactly one verification call")
	}
	if subs := activeSubscribers(t, api.Database); len(subs) != 0 {
		t.Errorf("Rejected challenge must not create subscribers, got %+v", subs)
	}
}

func TestSubscribeReplayedToken(t *testing.T) {
	defer teardown()
	token := freshToken()
	resp, _ := post(t, server.URL, "/api/subscribe", subscribeBody("first@example.com", token), "192.0.2.5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	before := provider.Calls()
	resp, body := post(t, server.URL, "/api/subscribe", subscribeBody("second@example.com", token), "192.0.2.5")
	expectFailure(t, resp, body, http.StatusForbidden, models.ChallengeFailed)
	if provider.Calls() != before {
		t.Errorf("Replayed token should not reach the provider")
	}
	if _, err := api.Database.GetSubscriber(context.Background(), "second@example.com"); err != db.ErrNotFound {
		t.Errorf("Replayed token must not create subscribers")
	}
}

func TestSubscribeInvalidEmail(t *testing.T) {
	defer teardown()
	resp, body := post(t, server.URL, "/api/subscribe", subscribeBody("not-an-email", freshToken()), "192.0.2.6")
	expectFailure(t, resp, body, http.StatusBadRequest, models.InvalidEmail)
	if subs := activeSubscribers(t, api.Database); len(subs) != 0 {
		t.Errorf("Invalid email must not create subscribers, got %+v", subs)
	}
}

func TestSubscribeMalformedRequests(t *testing.T) {
	defer teardown()
	tests := []struct {
		name   string
		body   interface{}
		status int
		kind   models.ErrorKind
	}{
		{"garbage", "{not json", http.StatusBadRequest, models.InvalidEmail},
		{"empty", "", http.StatusBadRequest, models.InvalidEmail},
		{"missing email", map[string]string{"token": "pass-x"}, http.StatusBadRequest, models.InvalidEmail},
		{"missing token", map[string]string{"email": "me@example.com"}, http.StatusForbidden, models.ChallengeFailed},
		{"blank token", subscribeBody("me@example.com", "  "), http.StatusForbidden, models.ChallengeFailed},
		{"oversized", `{"email":"me@example.com","token":"` + strings.Repeat("a", 5000) + `"}`, http.StatusBadRequest, models.InvalidEmail},
	}
	before := provider.Calls()
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp, body := post(t, server.URL, "/api/subscribe", test.body, "192.0.2.7")
			expectFailure(t, resp, body, test.status, test.kind)
		})
	}
	if provider.Calls() != before {
		t.Errorf("Malformed requests must not reach the provider")
	}
	if subs := activeSubscribers(t, api.Database); len(subs) != 0 {
		t.Errorf("Malformed requests must not create subscribers")
	}
}

func TestSubscribeFormPost(t *testing.T) {
	defer teardown()
	form := url.Values{}
	form.Set("email", "form@example.com")
	form.Set("cf-turnstile-response", freshToken())
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/api/subscribe", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-For", "192.0.2.8")
	resp, body := do(t, req)
	if resp.StatusCode != http.StatusOK || !body.OK {
		t.Fatalf("Expected 200, got %d %+v", resp.StatusCode, body)
	}
}

// Two racing submissions for the same mailbox, differently cased, must leave
// one row behind.
func TestConcurrentSubscribeSameEmail(t *testing.T) {
	defer teardown()
	var wg sync.WaitGroup
	statuses := make(chan int, 2)
	for _, email := range []string{"User@Example.com", "user@example.com"} {
		wg.Add(1)
		go func(email string) {
			defer wg.Done()
			resp, _ := post(t, server.URL, "/api/subscribe", subscribeBody(email, freshToken()), "192.0.2.9")
			statuses <- resp.StatusCode
		}(email)
	}
	wg.Wait()
	close(statuses)
	for status := range statuses {
		if status != http.StatusOK {
			t.Errorf("Expected both submissions to succeed, got %d", status)
		}
	}
	subs := activeSubscribers(t, api.Database)
	if len(subs) != 1 || subs[0].Email != "user@example.com" {
		t.Errorf("Expected one subscriber keyed user@example.com, got %+v", subs)
	}
}

func TestRateLimitedByAddress(t *testing.T) {
	limitedAPI, limitedServer, fake, closeAll := newTestAPI(db.InitMemDatabase(db.Config{}),
		ratelimit.Config{Window: time.Hour, Max: 2, TrustForwardHeader: true})
	defer closeAll()
	for i := 0; i < 2; i++ {
		resp, _ := post(t, limitedServer.URL, "/api/subscribe",
			subscribeBody("user"+string(rune('a'+i))+"@example.com", freshToken()), "198.51.100.1")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Submission %d should pass, got %d", i, resp.StatusCode)
		}
	}
	calls := fake.Calls()
	resp, body := post(t, limitedServer.URL, "/api/subscribe", subscribeBody("userz@example.com", freshToken()), "198.51.100.1")
	expectFailure(t, resp, body, http.StatusTooManyRequests, models.RateLimited)
	if resp.Header.Get("Retry-After") == "" || resp.Header.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Expected Retry-After and exhausted rate limit headers, got %v", resp.Header)
	}
	if fake.Calls() != calls {
		t.Errorf("Rate limited requests must not reach the provider")
	}
	if subs := activeSubscribers(t, limitedAPI.Database); len(subs) != 2 {
		t.Errorf("Expected 2 subscribers, got %d", len(subs))
	}

	// Another address still gets through.
	resp, _ = post(t, limitedServer.URL, "/api/subscribe", subscribeBody("userz@example.com", freshToken()), "198.51.100.2")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("A different address should not be limited, got %d", resp.StatusCode)
	}
}

func TestRateLimitedByEmail(t *testing.T) {
	_, limitedServer, fake, closeAll := newTestAPI(db.InitMemDatabase(db.Config{}),
		ratelimit.Config{Window: time.Hour, Max: 2, TrustForwardHeader: true})
	defer closeAll()
	addresses := []string{"198.51.100.10", "198.51.100.11", "198.51.100.12"}
	for i, address := range addresses[:2] {
		resp, _ := post(t, limitedServer.URL, "/api/subscribe", subscribeBody("target@example.com", freshToken()), address)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Submission %d should pass, got %d", i, resp.StatusCode)
		}
	}
	resp, body := post(t, limitedServer.URL, "/api/subscribe", subscribeBody(" TARGET@example.com", freshToken()), addresses[2])
	expectFailure(t, resp, body, http.StatusTooManyRequests, models.RateLimited)
	if fake.Calls() != 3 {
		t.Errorf("Expected every attempt to be verified, got %d calls", fake.Calls())
	}
}

// Failed challenges must not use up the quota of the address they name.
func TestBogusTokensDoNotLockOutEmail(t *testing.T) {
	_, limitedServer, _, closeAll := newTestAPI(db.InitMemDatabase(db.Config{}),
		ratelimit.Config{Window: time.Hour, Max: 2, TrustForwardHeader: true})
	defer closeAll()
	for _, address := range []string{"198.51.100.20", "198.51.100.21", "198.51.100.22"} {
		resp, body := post(t, limitedServer.URL, "/api/subscribe", subscribeBody("victim@example.com", "forged"), address)
		expectFailure(t, resp, body, http.StatusForbidden, models.ChallengeFailed)
	}
	resp, body := post(t, limitedServer.URL, "/api/subscribe", subscribeBody("victim@example.com", freshToken()), "198.51.100.23")
	if resp.StatusCode != http.StatusOK || !body.OK {
		t.Errorf("Expected the real owner to subscribe, got %d %+v", resp.StatusCode, body)
	}
}

// Unicode and punycode spellings of a domain share one email bucket.
func TestEmailLimitUsesNormalizedAddress(t *testing.T) {
	limitedAPI, limitedServer, _, closeAll := newTestAPI(db.InitMemDatabase(db.Config{}),
		ratelimit.Config{Window: time.Hour, Max: 2, TrustForwardHeader: true})
	defer closeAll()
	emails := []string{"user@bücher.de", "User@XN--BCHER-KVA.de"}
	for i, email := range emails {
		resp, _ := post(t, limitedServer.URL, "/api/subscribe", subscribeBody(email, freshToken()), fmt.Sprintf("198.51.100.3%d", i))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Submission %d should pass, got %d", i, resp.StatusCode)
		}
	}
	resp, body := post(t, limitedServer.URL, "/api/subscribe", subscribeBody("user@xn--bcher-kva.de", freshToken()), "198.51.100.39")
	expectFailure(t, resp, body, http.StatusTooManyRequests, models.RateLimited)
	if subs := activeSubscribers(t, limitedAPI.Database); len(subs) != 1 || subs[0].Email != "user@xn--bcher-kva.de" {
		t.Errorf("Expected one subscriber keyed by the ASCII domain, got %+v", subs)
	}
}

// Under the default settings a single peer cannot dodge the address limit by
// making up X-Forwarded-For values.
func TestSpoofedForwardHeaderStillLimited(t *testing.T) {
	t.Setenv("RATE_LIMIT_MAX", "2")
	limits, err := ratelimit.LoadEnvironmentVariables()
	if err != nil {
		t.Fatal(err)
	}
	_, limitedServer, fake, closeAll := newTestAPI(db.InitMemDatabase(db.Config{}), limits)
	defer closeAll()
	accepted := 0
	for i := 0; i < 6; i++ {
		resp, _ := post(t, limitedServer.URL, "/api/subscribe",
			subscribeBody(fmt.Sprintf("spoof%d@example.com", i), freshToken()), fmt.Sprintf("203.0.113.%d", i))
		if resp.StatusCode == http.StatusOK {
			accepted++
		}
	}
	if accepted != 2 || fake.Calls() != 2 {
		t.Errorf("Expected 2 accepted and 2 verifications, got %d and %d", accepted, fake.Calls())
	}
}

type failingDatabase struct {
	db.Database
}

func (failingDatabase) PutSubscriber(ctx context.Context, email string, at time.Time) (models.SubscribeOutcome, error) {
	return models.OutcomeAlreadyActive, errors.New("connection reset by peer")
}

func (failingDatabase) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

func TestSubscribeStoreFailure(t *testing.T) {
	_, brokenServer, _, closeAll := newTestAPI(failingDatabase{Database: db.InitMemDatabase(db.Config{})},
		ratelimit.Config{Window: time.Hour, Max: 100, TrustForwardHeader: true})
	defer closeAll()
	resp, body := post(t, brokenServer.URL, "/api/subscribe", subscribeBody("me@example.com", freshToken()), "")
	expectFailure(t, resp, body, http.StatusInternalServerError, models.InternalError)
	if strings.Contains(body.Message, "connection reset") {
		t.Errorf("Internal details must not reach the client: %q", body.Message)
	}

	req, _ := http.NewRequest(http.MethodGet, brokenServer.URL+"/api/health", nil)
	resp, body = do(t, req)
	if resp.StatusCode != http.StatusServiceUnavailable || body.OK {
		t.Errorf("Expected unhealthy, got %d", resp.StatusCode)
	}
}

func TestKindOf(t *testing.T) {
	if kindOf(errors.Wrap(models.ChallengeFailed, "x")) != models.ChallengeFailed {
		t.Errorf("wrapped kinds should be recovered")
	}
	if kindOf(errors.New("plain")) != models.InternalError {
		t.Errorf("untyped errors are internal")
	}
}
