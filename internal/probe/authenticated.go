package probe

import (
	"context"
	"net/http"
	"strings"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// Authenticated behaves like Basic but attaches a bearer token when the
// service has one, and additionally fails on GraphQL-style auth errors in
// the response body.
type Authenticated struct {
	Client *http.Client
}

// NewAuthenticated returns an Authenticated strategy using the default
// HTTP client.
func NewAuthenticated() *Authenticated {
	return &Authenticated{Client: &http.Client{}}
}

func (a *Authenticated) httpClient() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func isAuthError(messages []graphQLError) (string, bool) {
	for _, e := range messages {
		lower := strings.ToLower(e.Message)
		if strings.Contains(lower, "auth") || strings.Contains(lower, "unauthorized") {
			return e.Message, true
		}
	}
	return "", false
}

// Probe implements Strategy.
func (a *Authenticated) Probe(ctx context.Context, service types.ServiceDescriptor, check types.Check) types.ProbeResult {
	parsed, status, fallback, ok := doRequest(ctx, a.httpClient(), service.URL, check.Query, check.Variables, service.AuthToken, check.EffectiveTimeout())
	if !ok {
		return fallback
	}

	if _, authErr := isAuthError(parsed.Errors); authErr {
		return types.ProbeResult{
			Success:     false,
			HasResponse: true,
			HTTPStatus:  status,
			Error:       "Authentication error",
		}
	}

	return types.ProbeResult{
		Success:     true,
		HasResponse: true,
		HTTPStatus:  status,
		Data:        parsed.Data,
	}
}
