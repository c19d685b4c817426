package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is an error envelope returned by the control plane.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	// JobID is set when a submission was recorded as a failed job.
	JobID string `json:"-"`
}

func (e *APIError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s (%d): %s [job %s]", e.Code, e.Status, e.Message, e.JobID)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Client talks to the control plane's HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Meta is the pagination block of list responses.
type Meta struct {
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"has_next"`
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  *Meta           `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Do sends a request and decodes the data field of the response into out.
// body may be nil, a []byte sent as octet-stream, or any JSON-encodable value.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) (*Meta, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var (
		r           io.Reader
		contentType string
	)
	switch b := body.(type) {
	case nil:
	case []byte:
		r, contentType = bytes.NewReader(b), "application/octet-stream"
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r, contentType = bytes.NewReader(raw), "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)
	if decodeErr != nil && resp.StatusCode < 400 {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, decodeErr)
	}
	if resp.StatusCode >= 400 {
		if env.Error == nil {
			return nil, &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: resp.Status}
		}
		env.Error.Status = resp.StatusCode
		env.Error.JobID = resp.Header.Get("X-Job-ID")
		return nil, env.Error
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("decode data: %w", err)
		}
	}
	return env.Meta, nil
}
