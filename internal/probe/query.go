package probe

import (
	"context"
	"net/http"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// Query uses the caller-supplied check.Query/Variables and fails when the
// GraphQL-style response carries any non-empty errors[], surfacing the
// first error message.
type Query struct {
	Client *http.Client
}

// NewQuery returns a Query strategy using the default HTTP client.
func NewQuery() *Query {
	return &Query{Client: &http.Client{}}
}

func (q *Query) httpClient() *http.Client {
	if q.Client != nil {
		return q.Client
	}
	return http.DefaultClient
}

// Probe implements Strategy.
func (q *Query) Probe(ctx context.Context, service types.ServiceDescriptor, check types.Check) types.ProbeResult {
	parsed, status, fallback, ok := doRequest(ctx, q.httpClient(), service.URL, check.Query, check.Variables, service.AuthToken, check.EffectiveTimeout())
	if !ok {
		return fallback
	}

	if len(parsed.Errors) > 0 {
		return types.ProbeResult{
			Success:     false,
			HasResponse: true,
			HTTPStatus:  status,
			Error:       parsed.Errors[0].Message,
		}
	}

	return types.ProbeResult{
		Success:     true,
		HasResponse: true,
		HTTPStatus:  status,
		Data:        parsed.Data,
	}
}
