package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"crmgate/internal/config"
	"crmgate/internal/metrics"
	"crmgate/internal/model"
)

const (
	defaultBaseURL = "https://webservices.autotask.net/ATServicesRest"
	apiVersionPath = "/V1.0"

	// Backend error bodies are passed to the log, never to the caller;
	// cap them so a misbehaving backend cannot flood it.
	maxErrorBody = 4 << 10
)

// ErrUnauthorized marks an HTTP 401 from the backend: the gateway's own
// integration credentials are bad. This is a configuration problem, not
// something the caller did.
var ErrUnauthorized = errors.New("backend rejected the integration credentials")

// StatusError is any other non-success backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// Client is a generic CRUD client for the CRM backend's REST API. The
// backend shards customers across zones; the zone-specific base URL is
// discovered once on first use and cached for the process lifetime.
type Client struct {
	cfg    config.BackendConfig
	client *http.Client

	mu   sync.Mutex
	base string
}

func New(cfg config.BackendConfig) *Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// resolveBase returns the zone-resolved API base URL, discovering it on
// first call. An explicit zoneURL in configuration skips discovery.
func (c *Client) resolveBase(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.base != "" {
		return c.base, nil
	}
	if c.cfg.ZoneURL != "" {
		c.base = strings.TrimRight(c.cfg.ZoneURL, "/") + apiVersionPath
		return c.base, nil
	}

	root := strings.TrimRight(c.cfg.BaseURL, "/")
	if root == "" {
		root = defaultBaseURL
	}
	ziURL := root + apiVersionPath + "/zoneInformation?user=" + url.QueryEscape(c.cfg.Username)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ziURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("zone discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var zi struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&zi); err != nil {
		return "", fmt.Errorf("zone discovery: decode: %w", err)
	}
	if zi.URL == "" {
		return "", errors.New("zone discovery: empty zone url")
	}
	c.base = strings.TrimRight(zi.URL, "/") + apiVersionPath
	return c.base, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out *model.Envelope) error {
	base, err := c.resolveBase(ctx)
	if err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode backend request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("UserName", c.cfg.Username)
	req.Header.Set("Secret", c.cfg.Secret)
	req.Header.Set("ApiIntegrationcode", c.cfg.IntegrationCode)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read backend response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrUnauthorized, truncate(string(data), maxErrorBody))
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), maxErrorBody)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode backend response: %w", err)
		}
	}
	return nil
}

func (c *Client) Get(ctx context.Context, entity string, id int64) (*model.Envelope, error) {
	metrics.RecordBackendCall(entity, "get")
	var env model.Envelope
	if err := c.do(ctx, http.MethodGet, "/"+entity+"/"+strconv.FormatInt(id, 10), nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) Query(ctx context.Context, entity string, q model.QueryRequest) (*model.Envelope, error) {
	metrics.RecordBackendCall(entity, "query")
	var env model.Envelope
	if err := c.do(ctx, http.MethodPost, "/"+entity+"/query", q, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) Count(ctx context.Context, entity string, q model.QueryRequest) (*model.Envelope, error) {
	metrics.RecordBackendCall(entity, "count")
	// Counts take only the filter; projections are meaningless here.
	q.IncludeFields = nil
	var env model.Envelope
	if err := c.do(ctx, http.MethodPost, "/"+entity+"/query/count", q, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) Create(ctx context.Context, entity string, payload model.Record) (*model.Envelope, error) {
	metrics.RecordBackendCall(entity, "create")
	var env model.Envelope
	if err := c.do(ctx, http.MethodPost, "/"+entity, payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// CreateChild creates a record under a parent endpoint, e.g.
// POST /Tickets/{id}/Notes for ticket notes.
func (c *Client) CreateChild(ctx context.Context, parentEntity string, parentID int64, childPath string, payload model.Record) (*model.Envelope, error) {
	metrics.RecordBackendCall(parentEntity+"/"+childPath, "create")
	path := "/" + parentEntity + "/" + strconv.FormatInt(parentID, 10) + "/" + childPath
	var env model.Envelope
	if err := c.do(ctx, http.MethodPost, path, payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Client) Update(ctx context.Context, entity string, payload model.Record) (*model.Envelope, error) {
	metrics.RecordBackendCall(entity, "update")
	var env model.Envelope
	if err := c.do(ctx, http.MethodPatch, "/"+entity, payload, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Probe verifies the integration credentials with a cheap metadata call.
// A 401 surfaces as ErrUnauthorized so the transport can report "backend
// unavailable" with a credentials-shaped log message.
func (c *Client) Probe(ctx context.Context) error {
	metrics.RecordBackendCall("Companies", "probe")
	return c.do(ctx, http.MethodGet, "/Companies/entityInformation", nil, nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
