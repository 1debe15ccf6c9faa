package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Claims), args.Error(1)
}

// echoRequester writes the requester found in context
func echoRequester(t *testing.T, want *Requester) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := GetRequesterFromContext(r.Context())
		require.NotNil(t, got)
		assert.Equal(t, want, got)
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireRequester(t *testing.T) {
	logger := zap.NewNop()

	t.Run("valid bearer token", func(t *testing.T) {
		validator := new(MockTokenValidator)
		claims := &Claims{Role: "manager", ServiceID: "oak-house", RegisteredClaims: jwt.RegisteredClaims{Subject: "staff-12"}}
		validator.On("ValidateToken", mock.Anything, "good-token").Return(claims, nil)

		m := NewAuthMiddleware(validator, false, logger)
		handler := m.RequireRequester(echoRequester(t, &Requester{ID: "staff-12", Role: "manager", ServiceID: "oak-house"}))

		req := httptest.NewRequest(http.MethodPost, "/query", nil)
		req.Header.Set("Authorization", "Bearer good-token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		validator.AssertExpectations(t)
	})

	t.Run("invalid bearer token", func(t *testing.T) {
		validator := new(MockTokenValidator)
		validator.On("ValidateToken", mock.Anything, "bad-token").Return(nil, errors.New("expired"))

		m := NewAuthMiddleware(validator, true, logger)
		handler := m.RequireRequester(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		}))

		req := httptest.NewRequest(http.MethodPost, "/query", nil)
		req.Header.Set("Authorization", "Bearer bad-token")
		req.Header.Set(RequesterIDHeader, "staff-12")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Invalid or expired token")
	})

	t.Run("header identity when allowed", func(t *testing.T) {
		m := NewAuthMiddleware(nil, true, logger)
		handler := m.RequireRequester(echoRequester(t, &Requester{ID: "carer-7", Role: "support_worker", ServiceID: "elm-lodge"}))

		req := httptest.NewRequest(http.MethodPost, "/query", nil)
		req.Header.Set(RequesterIDHeader, " carer-7 ")
		req.Header.Set(RequesterRoleHeader, "support_worker")
		req.Header.Set(RequesterServiceHeader, "elm-lodge")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("header identity ignored when not allowed", func(t *testing.T) {
		m := NewAuthMiddleware(new(MockTokenValidator), false, logger)
		handler := m.RequireRequester(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		}))

		req := httptest.NewRequest(http.MethodPost, "/query", nil)
		req.Header.Set(RequesterIDHeader, "carer-7")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "Missing or invalid authorization")
	})

	t.Run("missing requester", func(t *testing.T) {
		m := NewAuthMiddleware(nil, true, logger)
		handler := m.RequireRequester(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/query", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireRole(t *testing.T) {
	m := NewAuthMiddleware(nil, true, zap.NewNop())
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name      string
		requester *Requester
		want      int
	}{
		{"allowed role", &Requester{ID: "m1", Role: "manager"}, http.StatusOK},
		{"second allowed role", &Requester{ID: "a1", Role: "admin"}, http.StatusOK},
		{"other role", &Requester{ID: "c1", Role: "support_worker"}, http.StatusForbidden},
		{"no requester", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/audit/logs", nil)
			if tt.requester != nil {
				req = req.WithContext(WithRequester(req.Context(), tt.requester))
			}
			w := httptest.NewRecorder()
			m.RequireRole("manager", "admin")(ok).ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, extractBearerToken(req), tt.header)
	}
}

func TestJWTValidator(t *testing.T) {
	const secret = "test-secret"
	ctx := context.Background()
	expires := jwt.NewNumericDate(time.Now().Add(time.Hour))

	t.Run("round trip", func(t *testing.T) {
		token, err := SignToken(secret, &Claims{
			Role:             "manager",
			RegisteredClaims: jwt.RegisteredClaims{Subject: "staff-12", Issuer: "policyrag", ExpiresAt: expires},
		})
		require.NoError(t, err)

		claims, err := NewJWTValidator(secret, "policyrag").ValidateToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, "staff-12", claims.Subject)
		assert.Equal(t, "manager", claims.Role)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := SignToken("other", &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ExpiresAt: expires}})
		require.NoError(t, err)
		_, err = NewJWTValidator(secret, "").ValidateToken(ctx, token)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		past := jwt.NewNumericDate(time.Now().Add(-time.Minute))
		token, err := SignToken(secret, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ExpiresAt: past}})
		require.NoError(t, err)
		_, err = NewJWTValidator(secret, "").ValidateToken(ctx, token)
		assert.Error(t, err)
	})

	t.Run("missing expiry", func(t *testing.T) {
		token, err := SignToken(secret, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "s"}})
		require.NoError(t, err)
		_, err = NewJWTValidator(secret, "").ValidateToken(ctx, token)
		assert.Error(t, err)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, err := SignToken(secret, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "s", Issuer: "elsewhere", ExpiresAt: expires}})
		require.NoError(t, err)
		_, err = NewJWTValidator(secret, "policyrag").ValidateToken(ctx, token)
		assert.Error(t, err)
	})

	t.Run("missing subject", func(t *testing.T) {
		token, err := SignToken(secret, &Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: expires}})
		require.NoError(t, err)
		_, err = NewJWTValidator(secret, "").ValidateToken(ctx, token)
		assert.EqualError(t, err, "token has no subject")
	})

	t.Run("other algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "s", ExpiresAt: expires}}).
			SignedString([]byte(secret))
		require.NoError(t, err)
		_, err = NewJWTValidator(secret, "").ValidateToken(ctx, token)
		assert.Error(t, err)
	})
}

func TestGetRequestIDFromContext(t *testing.T) {
	assert.Empty(t, GetRequestIDFromContext(context.Background()))
	assert.Equal(t, "req-1", GetRequestIDFromContext(WithRequestID(context.Background(), "req-1")))
}
