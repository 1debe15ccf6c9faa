package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/policy-rag/utils"
	"go.uber.org/zap"
)

// Header identity, development only
const (
	RequesterIDHeader      = "X-Requester-ID"
	RequesterRoleHeader    = "X-Requester-Role"
	RequesterServiceHeader = "X-Requester-Service"
)

// TokenValidator defines the interface for validating bearer tokens
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Claims, error)
}

// AuthMiddleware identifies the requester of every protected request
type AuthMiddleware struct {
	validator    TokenValidator
	allowHeaders bool
	logger       *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. validator may be nil, in which
// case only header identity can succeed, and only when allowHeaders is set.
func NewAuthMiddleware(validator TokenValidator, allowHeaders bool, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		validator:    validator,
		allowHeaders: allowHeaders,
		logger:       logger,
	}
}

// RequireRequester rejects requests without an identifiable requester
func (m *AuthMiddleware) RequireRequester(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		requester, err := m.identify(r)
		if err != nil {
			m.logger.Warn("token validation failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or expired token")
			return
		}
		if requester == nil {
			m.logger.Warn("missing requester",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Missing or invalid authorization")
			return
		}

		m.logger.Debug("requester identified",
			zap.String("request_id", requestID),
			zap.String("requester_id", requester.ID),
			zap.String("role", requester.Role))

		next.ServeHTTP(w, r.WithContext(WithRequester(ctx, requester)))
	})
}

// identify returns the requester from a bearer token, or from the identity
// headers when allowed. A nil requester with a nil error means none was presented.
func (m *AuthMiddleware) identify(r *http.Request) (*Requester, error) {
	if token := extractBearerToken(r); token != "" && m.validator != nil {
		claims, err := m.validator.ValidateToken(r.Context(), token)
		if err != nil {
			return nil, err
		}
		return &Requester{ID: claims.Subject, Role: claims.Role, ServiceID: claims.ServiceID}, nil
	}

	if !m.allowHeaders {
		return nil, nil
	}
	id := strings.TrimSpace(r.Header.Get(RequesterIDHeader))
	if id == "" {
		return nil, nil
	}
	return &Requester{
		ID:        id,
		Role:      strings.TrimSpace(r.Header.Get(RequesterRoleHeader)),
		ServiceID: strings.TrimSpace(r.Header.Get(RequesterServiceHeader)),
	}, nil
}

// RequireRole admits requesters holding one of roles. It must run after RequireRequester.
func (m *AuthMiddleware) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestIDFromContext(ctx)

			requester := GetRequesterFromContext(ctx)
			if requester == nil {
				m.logger.Error("requester not found in context",
					zap.String("request_id", requestID))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			for _, role := range roles {
				if requester.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			m.logger.Warn("insufficient permissions",
				zap.String("request_id", requestID),
				zap.Strings("required_roles", roles),
				zap.String("role", requester.Role))
			_ = utils.WriteForbidden(w, "Insufficient permissions")
		})
	}
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
