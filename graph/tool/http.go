package tool

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

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// HTTPTool calls a fixed HTTP endpoint.
//
// For GET requests the input map is encoded as query parameters; for POST
// it is sent as a JSON body. The endpoint, method and headers come from the
// plugin manifest and cannot be overridden by the caller.
//
// Output:
//   - status_code: HTTP status code (int)
//   - headers: Response headers (map[string]interface{})
//   - body: Response body (string)
//   - json: Decoded body, when the response is valid JSON
//
// Example:
//
//	weather := tool.NewHTTPTool("weather", "Current weather", "https://api.example.com/weather", "GET", nil)
//	result, err := weather.Call(ctx, map[string]interface{}{"city": "Paris"})
type HTTPTool struct {
	name        string
	description string
	endpoint    string
	method      string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPTool creates a tool bound to endpoint. An empty method means GET.
func NewHTTPTool(name, description, endpoint, method string, headers map[string]string) *HTTPTool {
	method = strings.ToUpper(method)
	if method == "" {
		method = http.MethodGet
	}
	return &HTTPTool{
		name:        name,
		description: description,
		endpoint:    endpoint,
		method:      method,
		headers:     headers,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Validate checks the endpoint URL and method.
func (h *HTTPTool) Validate() error {
	u, err := url.Parse(h.endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("tool %s: endpoint must be an absolute http(s) URL, got %q", h.name, h.endpoint)
	}
	if h.method != http.MethodGet && h.method != http.MethodPost {
		return fmt.Errorf("tool %s: unsupported HTTP method: %s (supported: GET, POST)", h.name, h.method)
	}
	return nil
}

// Name implements Tool.
func (h *HTTPTool) Name() string { return h.name }

// Description implements Tool.
func (h *HTTPTool) Description() string { return h.description }

// Call implements Tool.
func (h *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	target := h.endpoint
	var body io.Reader

	switch h.method {
	case http.MethodGet:
		if len(input) > 0 {
			u, err := url.Parse(h.endpoint)
			if err != nil {
				return nil, fmt.Errorf("invalid endpoint: %w", err)
			}
			q := u.Query()
			for key, value := range input {
				q.Set(key, fmt.Sprint(value))
			}
			u.RawQuery = q.Encode()
			target = u.String()
		}
	case http.MethodPost:
		payload, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("failed to encode input: %w", err)
		}
		body = bytes.NewReader(payload)
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", h.method)
	}

	req, err := http.NewRequestWithContext(ctx, h.method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{})
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	result := map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}

	var decoded interface{}
	if json.Unmarshal(respBody, &decoded) == nil {
		result["json"] = decoded
	}

	return result, nil
}
