package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

func newService(url string) types.ServiceDescriptor {
	return types.ServiceDescriptor{Name: "svc", URL: url}
}

func newCheck() types.Check {
	return types.Check{Name: "probe", Timeout: time.Second}
}

func TestBasicProbeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"ok":true}}`))
	}))
	defer srv.Close()

	result := NewBasic().Probe(context.Background(), newService(srv.URL), newCheck())

	if !result.Success || !result.HasResponse || result.HTTPStatus != http.StatusOK {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestBasicProbeNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	result := NewBasic().Probe(context.Background(), newService(srv.URL), newCheck())

	if result.Success {
		t.Fatal("non-2xx response must not be a success")
	}
	if !result.HasResponse {
		t.Error("a non-2xx response with a body still counts as a response")
	}
	if result.HTTPStatus != http.StatusInternalServerError {
		t.Errorf("HTTPStatus = %d, want %d", result.HTTPStatus, http.StatusInternalServerError)
	}
}

func TestBasicProbeMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	result := NewBasic().Probe(context.Background(), newService(srv.URL), newCheck())

	if result.Success {
		t.Fatal("malformed JSON body must not be a success")
	}
	if !result.HasResponse {
		t.Error("malformed body still carries an HTTP response")
	}
}

func TestBasicProbeTransportFailure(t *testing.T) {
	result := NewBasic().Probe(context.Background(), newService("http://127.0.0.1:0"), newCheck())

	if result.Success || result.HasResponse {
		t.Fatalf("connection failure must be success=false, hasResponse=false, got %+v", result)
	}
}

func TestBasicProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	check := types.Check{Name: "slow", Timeout: 10 * time.Millisecond}
	result := NewBasic().Probe(context.Background(), newService(srv.URL), check)

	if result.Success {
		t.Fatal("a probe exceeding its timeout must not succeed")
	}
}

func TestAuthenticatedAttachesBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	service := newService(srv.URL)
	service.AuthToken = "s3cr3t"
	NewAuthenticated().Probe(context.Background(), service, newCheck())

	if gotAuth != "Bearer s3cr3t" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer s3cr3t")
	}
}

func TestAuthenticatedFailsOnAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"errors":[{"message":"Unauthorized access"}]}`))
	}))
	defer srv.Close()

	result := NewAuthenticated().Probe(context.Background(), newService(srv.URL), newCheck())

	if result.Success {
		t.Fatal("an auth-flavored GraphQL error must not be a success")
	}
	if result.Error != "Authentication error" {
		t.Errorf("Error = %q, want normalized authentication error message", result.Error)
	}
}

func TestAuthenticatedIgnoresNonAuthErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"errors":[{"message":"field not found"}]}`))
	}))
	defer srv.Close()

	result := NewAuthenticated().Probe(context.Background(), newService(srv.URL), newCheck())

	if !result.Success {
		t.Fatalf("a non-auth GraphQL error is not Authenticated's concern, got %+v", result)
	}
}

func TestQueryFailsOnAnyGraphQLError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"errors":[{"message":"field not found"}]}`))
	}))
	defer srv.Close()

	result := NewQuery().Probe(context.Background(), newService(srv.URL), newCheck())

	if result.Success {
		t.Fatal("Query must fail on any non-empty errors[], not just auth errors")
	}
	if result.Error != "field not found" {
		t.Errorf("Error = %q, want the first GraphQL error message surfaced verbatim", result.Error)
	}
}

func TestQuerySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":{"foo":"bar"}}`))
	}))
	defer srv.Close()

	result := NewQuery().Probe(context.Background(), newService(srv.URL), newCheck())
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
}

func TestRegistryBuiltinStrategies(t *testing.T) {
	r := NewRegistry()

	for _, strategy := range []types.Strategy{types.StrategyBasic, types.StrategyAuthenticated, types.StrategyQuery} {
		if _, ok := r.Get(strategy); !ok {
			t.Errorf("registry missing built-in strategy %q", strategy)
		}
	}

	if _, ok := r.Get(types.Strategy("unknown")); ok {
		t.Error("registry must not resolve an unregistered strategy name")
	}
}

func TestRegistryRegisterOverrides(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register(types.StrategyBasic, stubStrategy(func() { called = true }))

	s, ok := r.Get(types.StrategyBasic)
	if !ok {
		t.Fatal("expected overridden strategy to be registered")
	}
	s.Probe(context.Background(), types.ServiceDescriptor{}, types.Check{})
	if !called {
		t.Error("Register must replace the existing strategy for that name")
	}
}

type stubStrategy func()

func (s stubStrategy) Probe(ctx context.Context, service types.ServiceDescriptor, check types.Check) types.ProbeResult {
	s()
	return types.ProbeResult{Success: true}
}
