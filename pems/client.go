package pems

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Page is one page of a PEMS list endpoint.
type Page struct {
	Records    []json.RawMessage
	HasMore    bool
	NextCursor string
}

// PushResult is the authoritative state PEMS reports after accepting a write.
type PushResult struct {
	ExternalVersion string
	UpdatedAt       time.Time
}

// ListParams narrows a list call. Zero values mean "no filter".
type ListParams struct {
	// UpdatedSince asks for records modified strictly after this instant.
	UpdatedSince *time.Time
	// SinceId asks for records with an id strictly greater than this one.
	SinceId string
	Cursor  string
	Limit   int
}

// API is the PEMS surface the engine depends on. The ingestion runner reads
// pages; the write-back worker pushes accepted modifications.
type API interface {
	List(ctx context.Context, endpoint string, params ListParams) (Page, error)
	Push(ctx context.Context, operation string, endpoint string, externalId string, payload []byte) (PushResult, error)
}

// PermanentError marks a push failure that retrying cannot fix (validation
// rejections, 4xx). The worker dead-letters these without burning retries.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("pems rejected request (%d): %s", e.StatusCode, e.Body)
}

// IsPermanent reports whether err is a non-retryable PEMS rejection.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
	limiter   <-chan time.Time
}

func NewClient(apiKey string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("PEMS_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.pems.example.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("PEMS_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("pems api key is empty")
	}
	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv("PEMS_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   time.Tick(interval),
	}, nil
}

type listResponse struct {
	Data       []json.RawMessage `json:"data"`
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"next_cursor"`
	HasMore    *bool             `json:"has_more"`
}

func (c *Client) List(ctx context.Context, endpoint string, params ListParams) (Page, error) {
	q := url.Values{}
	if params.UpdatedSince != nil {
		q.Set("updated_since", params.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if params.SinceId != "" {
		q.Set("since_id", params.SinceId)
	}
	if params.Cursor != "" {
		q.Set("cursor", params.Cursor)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}

	body, _, err := c.do(ctx, http.MethodGet, endpoint, q, nil)
	if err != nil {
		return Page{}, err
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Page{}, fmt.Errorf("decode pems list response: %w", err)
	}
	records := parsed.Data
	if len(records) == 0 {
		records = parsed.Items
	}
	hasMore := parsed.NextCursor != ""
	if parsed.HasMore != nil {
		hasMore = *parsed.HasMore
	}
	return Page{Records: records, HasMore: hasMore, NextCursor: parsed.NextCursor}, nil
}

type pushResponse struct {
	Version   string `json:"version"`
	UpdatedAt string `json:"updated_at"`
}

func (c *Client) Push(ctx context.Context, operation string, endpoint string, externalId string, payload []byte) (PushResult, error) {
	method := http.MethodPost
	path := endpoint
	switch operation {
	case "update":
		method = http.MethodPut
		path = endpoint + "/" + url.PathEscape(externalId)
	case "delete":
		method = http.MethodDelete
		path = endpoint + "/" + url.PathEscape(externalId)
	}

	body, status, err := c.do(ctx, method, path, nil, payload)
	if err != nil {
		if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
			return PushResult{}, &PermanentError{StatusCode: status, Body: errBody(err)}
		}
		return PushResult{}, err
	}

	var parsed pushResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &parsed); err != nil {
			return PushResult{}, fmt.Errorf("decode pems push response: %w", err)
		}
	}
	result := PushResult{ExternalVersion: parsed.Version, UpdatedAt: time.Now()}
	if parsed.UpdatedAt != "" {
		if at, err := time.Parse(time.RFC3339, parsed.UpdatedAt); err == nil {
			result.UpdatedAt = at
		}
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method string, path string, params url.Values, payload []byte) ([]byte, int, error) {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("pems api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, resp.StatusCode, nil
}

func errBody(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 {
		return msg[i+2:]
	}
	return msg
}
