package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for a request ID set outside chi
	RequestIDKey contextKey = "request_id"

	// RequesterKey is the context key for the identified requester
	RequesterKey contextKey = "requester"
)

// Requester is the staff member asking a question or managing documents
type Requester struct {
	ID   string
	Role string
	// ServiceID is the care service or location the requester works at, if known
	ServiceID string
}

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID
// middleware, or by WithRequestID
func GetRequestIDFromContext(ctx context.Context) string {
	if id := chimw.GetReqID(ctx); id != "" {
		return id
	}
	if val := ctx.Value(RequestIDKey); val != nil {
		if requestID, ok := val.(string); ok {
			return requestID
		}
	}
	return ""
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequesterFromContext retrieves the requester from context, nil when absent
func GetRequesterFromContext(ctx context.Context) *Requester {
	if val := ctx.Value(RequesterKey); val != nil {
		if requester, ok := val.(*Requester); ok {
			return requester
		}
	}
	return nil
}

// WithRequester adds the requester to the context
func WithRequester(ctx context.Context, requester *Requester) context.Context {
	return context.WithValue(ctx, RequesterKey, requester)
}
