package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"crmgate/internal/config"
	"crmgate/internal/gateway"
	"crmgate/internal/model"
	"crmgate/internal/registry"
)

// stubBackend implements gateway.Backend for transport tests.
type stubBackend struct {
	getFn   func(entity string, id int64) (*model.Envelope, error)
	queryFn func(entity string, q model.QueryRequest) (*model.Envelope, error)
	calls   int
}

func (s *stubBackend) Get(_ context.Context, entity string, id int64) (*model.Envelope, error) {
	s.calls++
	if s.getFn == nil {
		return nil, errors.New("unexpected get")
	}
	return s.getFn(entity, id)
}

func (s *stubBackend) Query(_ context.Context, entity string, q model.QueryRequest) (*model.Envelope, error) {
	s.calls++
	if s.queryFn == nil {
		return nil, errors.New("unexpected query")
	}
	return s.queryFn(entity, q)
}

func (s *stubBackend) Count(_ context.Context, entity string, q model.QueryRequest) (*model.Envelope, error) {
	s.calls++
	return nil, errors.New("unexpected count")
}

func (s *stubBackend) Create(_ context.Context, entity string, payload model.Record) (*model.Envelope, error) {
	s.calls++
	return nil, errors.New("unexpected create")
}

func (s *stubBackend) CreateChild(_ context.Context, parentEntity string, parentID int64, childPath string, payload model.Record) (*model.Envelope, error) {
	s.calls++
	return nil, errors.New("unexpected create child")
}

func (s *stubBackend) Update(_ context.Context, entity string, payload model.Record) (*model.Envelope, error) {
	s.calls++
	return nil, errors.New("unexpected update")
}

func newTestServer(bk gateway.Backend) *Server {
	cfg := &config.Config{}
	snap := registry.New(
		[]registry.Binding{
			{Credential: "acme-key", Tenant: "ACME"},
			{Credential: "orphan-key", Tenant: "Initech"},
		},
		map[string]int64{"ACME": 42},
	)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, snap, gateway.New(bk), nil, nil, logger)
}

func gatewayURL(params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	return "/v1/gateway?" + q.Encode()
}

func doGateway(t *testing.T, s *Server, apiKey string, params map[string]string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, gatewayURL(params), nil)
	if apiKey != "" {
		req.Header.Set(headerAPIKey, apiKey)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func TestGateway_MissingCredential(t *testing.T) {
	bk := &stubBackend{}
	s := newTestServer(bk)

	resp, body := doGateway(t, s, "", map[string]string{"endpoint": "Tickets", "type": "query"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", resp.StatusCode, body)
	}
	if bk.calls != 0 {
		t.Fatalf("unauthenticated request must not reach the backend")
	}
}

func TestGateway_UnknownCredential(t *testing.T) {
	bk := &stubBackend{}
	s := newTestServer(bk)

	resp, _ := doGateway(t, s, "not-a-key", map[string]string{"endpoint": "Tickets", "type": "query"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if bk.calls != 0 {
		t.Fatalf("unauthenticated request must not reach the backend")
	}
}

func TestGateway_TenantNotFoundForKey(t *testing.T) {
	bk := &stubBackend{}
	s := newTestServer(bk)

	// orphan-key is bound to a tenant missing from the directory.
	resp, body := doGateway(t, s, "orphan-key", map[string]string{"endpoint": "Tickets", "type": "query"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if er.Error != "Tenant not found for key." {
		t.Fatalf("expected distinct tenant-not-found message, got %q", er.Error)
	}
}

func TestGateway_UnknownEndpointRejectedBeforeAuth(t *testing.T) {
	bk := &stubBackend{}
	s := newTestServer(bk)

	// No credential at all: the allowlist still answers first.
	resp, _ := doGateway(t, s, "", map[string]string{"endpoint": "Invoices", "type": "query"})
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if bk.calls != 0 {
		t.Fatalf("disallowed request must not reach the backend")
	}
}

func TestGateway_DisallowedOperation(t *testing.T) {
	bk := &stubBackend{}
	s := newTestServer(bk)

	resp, _ := doGateway(t, s, "acme-key", map[string]string{"endpoint": "Companies", "type": "count"})
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestGateway_DeleteNotImplemented(t *testing.T) {
	bk := &stubBackend{}
	s := newTestServer(bk)

	for _, op := range []string{"delete", "replace"} {
		resp, _ := doGateway(t, s, "acme-key", map[string]string{"endpoint": "Tickets", "type": op})
		if resp.StatusCode != http.StatusNotImplemented {
			t.Fatalf("%s: expected 501, got %d", op, resp.StatusCode)
		}
	}
	if bk.calls != 0 {
		t.Fatalf("unimplemented operations must not reach the backend")
	}
}

func TestGateway_RootGetAlwaysReturnsOwnRecord(t *testing.T) {
	bk := &stubBackend{
		getFn: func(entity string, id int64) (*model.Envelope, error) {
			return &model.Envelope{Item: model.Record{"id": float64(id), "companyName": "ACME Corp"}}, nil
		},
	}
	s := newTestServer(bk)

	// Caller asks for company 99; it gets company 42.
	resp, body := doGateway(t, s, "acme-key", map[string]string{
		"endpoint": "Companies", "type": "get", "id": "99",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Item["id"] != float64(42) {
		t.Fatalf("expected own record id 42, got %v", env.Item["id"])
	}
}

func TestGateway_ForeignGetForbidden(t *testing.T) {
	bk := &stubBackend{
		getFn: func(entity string, id int64) (*model.Envelope, error) {
			return &model.Envelope{Item: model.Record{"id": float64(7), "companyID": float64(99), "title": "secret"}}, nil
		},
	}
	s := newTestServer(bk)

	resp, body := doGateway(t, s, "acme-key", map[string]string{
		"endpoint": "Tickets", "type": "get", "id": "7",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// The foreign record body must never leak into the response.
	if er.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN code, got %q", er.Code)
	}
	if containsField(body, "title") || containsField(body, "item") {
		t.Fatalf("foreign record leaked: %s", body)
	}
}

func containsField(body []byte, field string) bool {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return false
	}
	_, ok := m[field]
	return ok
}

func TestGateway_QueryScopedAndPostFiltered(t *testing.T) {
	var sentFilters []model.Filter
	bk := &stubBackend{
		queryFn: func(entity string, q model.QueryRequest) (*model.Envelope, error) {
			sentFilters = q.Filter
			return &model.Envelope{
				Items: []model.Record{
					{"id": float64(1), "companyID": float64(42)},
					{"id": float64(2), "companyID": float64(99)},
				},
				PageDetails: &model.PageDetails{Count: 2},
			}, nil
		},
	}
	s := newTestServer(bk)

	resp, body := doGateway(t, s, "acme-key", map[string]string{
		"endpoint": "Tickets",
		"type":     "query",
		"filters":  `[{"op":"eq","field":"status","value":"open"}]`,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	if len(sentFilters) != 1 || sentFilters[0].Op != "and" || len(sentFilters[0].Items) != 2 {
		t.Fatalf("expected AND(tenant, caller) filter, got %#v", sentFilters)
	}
	if sentFilters[0].Items[0].Field != "companyID" {
		t.Fatalf("expected tenant clause first, got %#v", sentFilters[0].Items[0])
	}

	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(env.Items) != 1 || env.Items[0]["companyID"] != float64(42) {
		t.Fatalf("expected only own items, got %#v", env.Items)
	}
	if env.PageDetails == nil || env.PageDetails.Count != 1 {
		t.Fatalf("expected corrected count 1, got %#v", env.PageDetails)
	}
}

func TestGateway_LegacyHeaderAccepted(t *testing.T) {
	bk := &stubBackend{
		getFn: func(entity string, id int64) (*model.Envelope, error) {
			return &model.Envelope{Item: model.Record{"id": float64(42)}}, nil
		},
	}
	s := newTestServer(bk)

	req := httptest.NewRequest(http.MethodGet, gatewayURL(map[string]string{
		"endpoint": "Companies", "type": "get",
	}), nil)
	req.Header.Set(headerLegacyAPIKey, "acme-key")

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via legacy header, got %d", resp.StatusCode)
	}
}

func TestGateway_MalformedFilterJSON(t *testing.T) {
	bk := &stubBackend{}
	s := newTestServer(bk)

	resp, _ := doGateway(t, s, "acme-key", map[string]string{
		"endpoint": "Tickets", "type": "query", "filters": "{not json",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if bk.calls != 0 {
		t.Fatalf("malformed request must not reach the backend")
	}
}

func TestHealthzShallow(t *testing.T) {
	s := newTestServer(&stubBackend{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(&stubBackend{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
