package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// apiError is a 4xx the provider answered with. Adapters turn it into a
// failed result carrying Message.
type apiError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *apiError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

func asAPIError(err error) (*apiError, bool) {
	var aerr *apiError
	ok := errors.As(err, &aerr)
	return aerr, ok
}

// apiClient is the JSON-over-HTTP transport shared by the REST adapters.
type apiClient struct {
	gateway  string
	baseURL  string
	http     *http.Client
	setAuth  func(*http.Request)
	maxBytes int64
}

func newAPIClient(gateway, baseURL string, cfg Config, setAuth func(*http.Request)) *apiClient {
	return &apiClient{
		gateway:  gateway,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: cfg.timeout()},
		setAuth:  setAuth,
		maxBytes: 1 << 20,
	}
}

// do sends body as JSON and decodes the response into out. The returned
// raw body is kept for audit. Errors are either *Error (configuration,
// transient) or *apiError (business).
func (c *apiClient) do(ctx context.Context, op, method, path string, body, out interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, newError(KindConfiguration, c.gateway, op, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, newError(KindConfiguration, c.gateway, op, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.setAuth != nil {
		c.setAuth(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(KindTransient, c.gateway, op, fmt.Errorf("API request failed: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, newError(KindTransient, c.gateway, op, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return raw, newError(KindConfiguration, c.gateway, op,
			fmt.Errorf("provider rejected credentials (status %d): %s", resp.StatusCode, providerMessage(raw)))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return raw, newError(KindTransient, c.gateway, op,
			fmt.Errorf("API returned status %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return raw, &apiError{StatusCode: resp.StatusCode, Message: providerMessage(raw), Body: raw}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, newError(KindTransient, c.gateway, op, fmt.Errorf("failed to parse response: %w", err))
		}
	}

	return raw, nil
}

// providerMessage pulls the human-readable message most providers put at
// the top level of an error body.
func providerMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if len(raw) > 200 {
		return string(raw[:200])
	}
	return string(raw)
}
