// Package tushare adapts the Tushare Pro HTTP API to the provider
// interface. Tushare serves Chinese market data through a single POST
// endpoint; every call names an api_name and gets back a column-oriented
// result set.
package tushare

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quotemirror/pkg/provider"
)

const (
	defaultBaseURL     = "https://api.tushare.pro"
	defaultHTTPTimeout = 30 * time.Second
)

// apiRequest is the wire shape of one Tushare call.
type apiRequest struct {
	APIName string            `json:"api_name"`
	Token   string            `json:"token"`
	Params  map[string]string `json:"params"`
	Fields  string            `json:"fields"`
}

// apiResponse is the column-oriented result envelope. Items hold one
// slice per row, positionally matching Fields.
type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Fields []string          `json:"fields"`
		Items  [][]json.RawMessage `json:"items"`
	} `json:"data"`
}

// Client is a minimal Tushare Pro HTTP client. Retry policy lives in the
// caller; the client only classifies failures as transient or permanent.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a new Client.
type ClientOption func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the default API endpoint, for tests.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// NewClient constructs a Tushare API client.
func NewClient(token string, opts ...ClientOption) *Client {
	client := &Client{
		baseURL:    defaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// record is one decoded row, keyed by field name.
type record map[string]json.RawMessage

// Call issues one API request and returns the decoded rows.
func (c *Client) Call(ctx context.Context, apiName string, params map[string]string, fields string) ([]record, error) {
	payload, err := json.Marshal(apiRequest{
		APIName: apiName,
		Token:   c.token,
		Params:  params,
		Fields:  fields,
	})
	if err != nil {
		return nil, fmt.Errorf("tushare: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tushare: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.Transient(apiName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Transient(apiName, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 500 {
		return nil, provider.Transient(apiName, fmt.Errorf("http status %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.Permanent(apiName, fmt.Errorf("http status %d: %s", resp.StatusCode, body))
	}

	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, provider.Transient(apiName, fmt.Errorf("decode response: %w", err))
	}
	if decoded.Code != 0 {
		err := fmt.Errorf("api code %d: %s", decoded.Code, decoded.Msg)
		if isRateLimitResponse(decoded) {
			return nil, provider.Transient(apiName, err)
		}
		return nil, provider.Permanent(apiName, err)
	}

	rows := make([]record, 0, len(decoded.Data.Items))
	for _, item := range decoded.Data.Items {
		row := make(record, len(decoded.Data.Fields))
		for i, field := range decoded.Data.Fields {
			if i < len(item) {
				row[field] = item[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// isRateLimitResponse spots the per-minute quota rejection, which clears
// itself and is worth retrying. Everything else with a non-zero code is a
// caller mistake.
func isRateLimitResponse(resp apiResponse) bool {
	if resp.Code == 40203 {
		return true
	}
	msg := strings.ToLower(resp.Msg)
	return strings.Contains(msg, "每分钟") || strings.Contains(msg, "rate limit")
}

func (r record) str(field string) string {
	raw, ok := r[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return strings.Trim(string(raw), `"`)
	}
	return s
}

func (r record) num(field string) float64 {
	raw, ok := r[field]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return f
}
