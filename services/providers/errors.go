package providers

import (
	"context"
	"errors"

	"github.com/upb/policy-rag/services"
)

// ToDomainError maps a provider failure to the service error taxonomy.
// Rate limits become ProviderRateLimited, content refusals ContentFiltered,
// and everything else ProviderUnavailable.
func ToDomainError(err error) error {
	if err == nil {
		return nil
	}
	var de *services.DomainError
	if errors.As(err, &de) {
		return err
	}

	switch {
	case IsRateLimited(err):
		return services.NewProviderRateLimited("provider rate limit exceeded", err)
	case IsContentFiltered(err):
		return services.NewContentFiltered("provider content filter triggered", err)
	case errors.Is(err, context.DeadlineExceeded):
		return services.NewProviderUnavailable("provider call timed out", err)
	default:
		return services.NewProviderUnavailable("provider call failed", err)
	}
}
