package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultHTTPTimeout  = 15 * time.Second
	maxResponseBodySize = 1 << 20
)

// NewHTTPClient returns a traced client with a bounded timeout for provider calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type rawResponse struct {
	status int
	body   []byte
}

// doJSON sends body as JSON and returns the raw response. Transport failures, including caller
// deadlines, are wrapped in ErrUnavailable.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body any) (rawResponse, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return rawResponse{}, fmt.Errorf("payments: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return rawResponse{}, fmt.Errorf("payments: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return rawResponse{}, fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return rawResponse{}, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return rawResponse{status: resp.StatusCode, body: data}, nil
}

func (r rawResponse) ok() bool {
	return r.status >= 200 && r.status < 300
}

func (r rawResponse) decode(dst any) error {
	if len(bytes.TrimSpace(r.body)) == 0 {
		return errors.New("payments: empty response body")
	}
	if err := json.Unmarshal(r.body, dst); err != nil {
		return fmt.Errorf("payments: decode response: %w", err)
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
