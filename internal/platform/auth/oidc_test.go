package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

const pushAudience = "https://api.edu.example/internal/events/orders"

var oidcNow = time.Unix(1_700_000_000, 0)

type pushFixture struct {
	validator *OIDCValidator
	key       *rsa.PrivateKey
	fetches   *atomic.Int32
	server    *httptest.Server
}

func newPushFixture(t *testing.T) *pushFixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "push-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	fetches := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	clock := func() time.Time { return oidcNow }
	validator := NewOIDCValidator(NewJWKSCache(server.URL, WithJWKSClock(clock)), WithOIDCLogger(noopLogger{}), WithOIDCClock(clock))
	return &pushFixture{validator: validator, key: key, fetches: fetches, server: server}
}

func (f *pushFixture) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":            pushAudience,
		"iss":            "https://accounts.google.com",
		"sub":            "1234567890",
		"email":          "pubsub-push@edu-prod.iam.gserviceaccount.com",
		"email_verified": true,
		"exp":            float64(oidcNow.Add(time.Hour).Unix()),
		"iat":            float64(oidcNow.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "push-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *pushFixture) serve(cfg PushConfig, token string, next http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/internal/events/orders", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.validator.RequirePushToken(cfg)(next).ServeHTTP(rr, req)
	return rr
}

func mustNotRun(t *testing.T) http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not be called")
	})
}

func defaultPushConfig() PushConfig {
	return PushConfig{
		Audience:        pushAudience,
		Issuers:         []string{"https://accounts.google.com"},
		ServiceAccounts: []string{"pubsub-push@edu-prod.iam.gserviceaccount.com"},
	}
}

func TestRequirePushTokenAcceptsValidToken(t *testing.T) {
	f := newPushFixture(t)
	token := f.token(t, nil)

	var identity *ServiceIdentity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, _ = ServiceIdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	for i := 0; i < 2; i++ {
		if rr := f.serve(defaultPushConfig(), token, next); rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
		}
	}
	if identity == nil || identity.Email != "pubsub-push@edu-prod.iam.gserviceaccount.com" {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if got := f.fetches.Load(); got != 1 {
		t.Fatalf("expected keys fetched once, got %d", got)
	}
}

func TestRequirePushTokenRejections(t *testing.T) {
	f := newPushFixture(t)
	cases := map[string]func(jwt.MapClaims){
		"audience": func(c jwt.MapClaims) { c["aud"] = "https://other.example" },
		"issuer":   func(c jwt.MapClaims) { c["iss"] = "https://evil.example" },
		"expired":  func(c jwt.MapClaims) { c["exp"] = float64(oidcNow.Add(-time.Minute).Unix()) },
		"account":  func(c jwt.MapClaims) { c["email"] = "someone@edu-prod.iam.gserviceaccount.com" },
		"verified": func(c jwt.MapClaims) { c["email_verified"] = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			if rr := f.serve(defaultPushConfig(), f.token(t, mutate), mustNotRun(t)); rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}

	if rr := f.serve(defaultPushConfig(), "", mustNotRun(t)); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rr.Code)
	}
}

func TestRequirePushTokenWithoutAudienceIsUnavailable(t *testing.T) {
	f := newPushFixture(t)
	if rr := f.serve(PushConfig{}, f.token(t, nil), mustNotRun(t)); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestRequirePushTokenJWKSUnavailable(t *testing.T) {
	f := newPushFixture(t)
	token := f.token(t, nil)
	f.server.Close()

	if rr := f.serve(defaultPushConfig(), token, mustNotRun(t)); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestJWKSCacheUnknownKid(t *testing.T) {
	f := newPushFixture(t)
	if _, err := f.validator.cache.Key(context.Background(), "rotated"); err == nil {
		t.Fatalf("expected unknown kid error")
	}
	if got := f.fetches.Load(); got != 2 {
		t.Fatalf("expected a refetch for the unknown kid, got %d fetches", got)
	}
}
