// Package observability builds the zap logger from configuration and
// annotates it with request context.
package observability
