package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// Basic posts {query} to service.URL and succeeds iff the response is
// HTTP 200 with a parseable JSON body.
type Basic struct {
	Client *http.Client
}

// NewBasic returns a Basic strategy with its own http.Client on the
// default transport.
func NewBasic() *Basic {
	return &Basic{Client: &http.Client{}}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

func (b *Basic) httpClient() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return http.DefaultClient
}

// doRequest issues the POST with the given bearer token (empty = none) and
// returns the decoded GraphQL body, the HTTP status code, and a ProbeResult
// pre-populated for a transport failure, a non-200 status, or a malformed
// body. ok is false when the caller should return the pre-populated result
// immediately.
func doRequest(ctx context.Context, client *http.Client, url, query string, variables map[string]interface{}, token string, timeout time.Duration) (*graphQLResponse, int, types.ProbeResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if query == "" {
		query = "{ __typename }"
	}

	body, _ := json.Marshal(graphQLRequest{Query: query, Variables: variables})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, types.ProbeResult{Success: false, HasResponse: false, Error: err.Error()}, false
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, transportFailure(err), false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, types.ProbeResult{
			Success:     false,
			HasResponse: true,
			HTTPStatus:  resp.StatusCode,
			Error:       "non-2xx response",
		}, false
	}

	var parsed graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		r := malformedBody(err)
		r.HTTPStatus = resp.StatusCode
		return nil, resp.StatusCode, r, false
	}

	return &parsed, resp.StatusCode, types.ProbeResult{}, true
}

// Probe implements Strategy.
func (b *Basic) Probe(ctx context.Context, service types.ServiceDescriptor, check types.Check) types.ProbeResult {
	parsed, status, fallback, ok := doRequest(ctx, b.httpClient(), service.URL, check.Query, check.Variables, "", check.EffectiveTimeout())
	if !ok {
		return fallback
	}
	return types.ProbeResult{
		Success:     true,
		HasResponse: true,
		HTTPStatus:  status,
		Data:        parsed.Data,
	}
}
