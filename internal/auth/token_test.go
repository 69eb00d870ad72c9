package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/austindbirch/harbor_sync/internal/syncerr"
)

func TestMintAndVerifyToken(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		mintAt    time.Time
		ttl       time.Duration
		secret    string
		verifyAt  time.Time
		wantError bool
	}{
		{
			name:     "fresh token verifies",
			mintAt:   now,
			ttl:      DefaultTokenTTL,
			secret:   "s3cret",
			verifyAt: now.Add(time.Minute),
		},
		{
			name:     "zero ttl falls back to default",
			mintAt:   now,
			secret:   "s3cret",
			verifyAt: now.Add(299 * time.Second),
		},
		{
			name:      "expired token",
			mintAt:    now.Add(-10 * time.Minute),
			ttl:       DefaultTokenTTL,
			secret:    "s3cret",
			verifyAt:  now,
			wantError: true,
		},
		{
			name:      "token expiring exactly now",
			mintAt:    now.Add(-DefaultTokenTTL),
			ttl:       DefaultTokenTTL,
			secret:    "s3cret",
			verifyAt:  now,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := MintToken(tt.secret, "source-node", tt.ttl, tt.mintAt)
			if err != nil {
				t.Fatalf("MintToken() error = %v", err)
			}
			if got := strings.Count(token, "."); got != 2 {
				t.Fatalf("MintToken() segments = %d, want 3", got+1)
			}

			claims, err := VerifyToken(token, tt.secret, tt.verifyAt)
			if tt.wantError {
				if !errors.Is(err, syncerr.ErrAuth) {
					t.Errorf("VerifyToken() error = %v, want ErrAuth", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("VerifyToken() error = %v", err)
			}
			if claims.Issuer != "source-node" {
				t.Errorf("VerifyToken() issuer = %q, want %q", claims.Issuer, "source-node")
			}
		})
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	now := time.Now()
	valid, err := MintToken("right", "node-a", 0, now)
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString(none) error = %v", err)
	}

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "node-a"})
	noExpToken, err := noExp.SignedString([]byte("right"))
	if err != nil {
		t.Fatalf("SignedString(no exp) error = %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty", token: ""},
		{name: "two segments", token: "abc.def"},
		{name: "four segments", token: "a.b.c.d"},
		{name: "garbage segments", token: "a.b.c"},
		{name: "alg none", token: unsigned},
		{name: "missing expiry", token: noExpToken},
		{name: "tampered signature", token: valid[:len(valid)-2] + "xx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyToken(tt.token, "right", now); !errors.Is(err, syncerr.ErrAuth) {
				t.Errorf("VerifyToken(%q) error = %v, want ErrAuth", tt.name, err)
			}
		})
	}

	t.Run("wrong secret", func(t *testing.T) {
		if _, err := VerifyToken(valid, "wrong", now); !errors.Is(err, syncerr.ErrAuth) {
			t.Errorf("VerifyToken() error = %v, want ErrAuth", err)
		}
	})
}

func TestMintTokenEmptySecret(t *testing.T) {
	if _, err := MintToken("", "node", DefaultTokenTTL, time.Now()); err == nil {
		t.Error("MintToken() with empty secret expected error, got nil")
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		want      string
		wantError bool
	}{
		{name: "valid", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "missing", header: "", wantError: true},
		{name: "basic scheme", header: "Basic dXNlcjpwYXNz", wantError: true},
		{name: "empty bearer", header: "Bearer ", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/sync", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := BearerToken(req)
			if tt.wantError {
				if err == nil {
					t.Errorf("BearerToken() expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BearerToken() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPMiddleware(t *testing.T) {
	secret := "ingest-secret"
	token, err := MintToken(secret, "cms", DefaultTokenTTL, time.Now())
	if err != nil {
		t.Fatalf("MintToken() error = %v", err)
	}

	var gotIssuer string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIssuer, _ = IssuerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := HTTPMiddleware(secret, next)

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
	}{
		{name: "health skips auth", path: "/healthz", wantStatus: http.StatusNoContent},
		{name: "missing header", path: "/v1/events", wantStatus: http.StatusUnauthorized},
		{name: "bad token", path: "/v1/events", header: "Bearer nope.nope.nope", wantStatus: http.StatusUnauthorized},
		{name: "valid token", path: "/v1/events", header: "Bearer " + token, wantStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotIssuer = ""
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if w.Code == http.StatusUnauthorized {
				var body map[string]any
				if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
					t.Fatalf("response JSON parse error: %v", err)
				}
				if body["success"] != false {
					t.Errorf("body success = %v, want false", body["success"])
				}
			}
			if tt.header != "" && tt.wantStatus == http.StatusNoContent && gotIssuer != "cms" {
				t.Errorf("IssuerFromContext() = %q, want %q", gotIssuer, "cms")
			}
		})
	}
}
