package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-billing-sync/core"
)

// maxResponseBytes bounds upstream page reads. A page of a few hundred
// records fits comfortably; anything larger is a broken response.
const maxResponseBytes = 8 << 20

type ClientConfig struct {
	BaseURL  string
	APIKey   string
	PageSize int
	Timeout  time.Duration
}

// Client pages through the billing platform's REST collections. The API key
// rides as the basic-auth username, which is how the platform authenticates
// machine callers.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  core.Logger
}

func NewClient(cfg ClientConfig, opts ...ClientOption) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, core.ErrMissingConfig("upstream.base_url")
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, core.ErrMissingConfig("upstream.api_key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	_, client.logger = core.ResolveLogger("upstream", nil, client.logger)
	return client, nil
}

type ClientOption func(*Client)

func WithClientLogger(logger core.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// FetchPage retrieves one page of one entity collection. Network failures and
// 5xx responses come back as transient errors so retry loops can distinguish
// them from permanent rejections.
func (c *Client) FetchPage(ctx context.Context, entity string, page int, perPage int) ([]map[string]any, error) {
	if c == nil || c.http == nil {
		return nil, fmt.Errorf("upstream: client is not configured")
	}
	entity = strings.TrimSpace(entity)
	if entity == "" {
		return nil, fmt.Errorf("upstream: entity is required")
	}
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 25
	}

	endpoint := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(entity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	query := req.URL.Query()
	query.Set("page", strconv.Itoa(page))
	query.Set("per_page", strconv.Itoa(perPage))
	req.URL.RawQuery = query.Encode()
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.TransientUpstreamError(
			fmt.Sprintf("upstream: fetch %s page %d", entity, page), err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, core.TransientUpstreamError(
			fmt.Sprintf("upstream: read %s page %d", entity, page), err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, core.TransientUpstreamError(
			fmt.Sprintf("upstream: %s page %d returned %d", entity, page, resp.StatusCode), nil)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, goerrors.New(
			fmt.Sprintf("upstream: %s page %d rejected with %d", entity, page, resp.StatusCode),
			goerrors.CategoryAuth)
	case resp.StatusCode != http.StatusOK:
		return nil, goerrors.New(
			fmt.Sprintf("upstream: %s page %d returned %d", entity, page, resp.StatusCode),
			goerrors.CategoryExternal).WithCode(resp.StatusCode)
	}

	return decodePage(entity, body)
}

// decodePage accepts both a bare array and the collection envelope
// `{"<entity>": [...]}` or `{"data": [...]}`.
func decodePage(entity string, body []byte) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var records []map[string]any
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, fmt.Errorf("upstream: decode %s page: %w", entity, err)
		}
		return records, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("upstream: decode %s page: %w", entity, err)
	}
	for _, key := range []string{entity, "data", "records"} {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		var records []map[string]any
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("upstream: decode %s collection %q: %w", entity, key, err)
		}
		return records, nil
	}
	return nil, fmt.Errorf("upstream: %s page carries no recognizable collection", entity)
}

var _ core.UpstreamClient = (*Client)(nil)
