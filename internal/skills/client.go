package skills

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/caminholabs/orienta/internal/engine"
)

// doJSON performs one HTTP round trip against a downstream career service
// and decodes the JSON response. Transport failures and non-2xx statuses
// become typed errors; 404 handling is left to callers, which know whether
// the absence is recoverable.
func doJSON(ctx context.Context, client *http.Client, service, method, url string, body any) (map[string]any, int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: encode request: %w", service, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: build request: %w", service, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, 0, &engine.ExternalServiceError{Service: service, Timeout: true}
		}
		// Connection-level failure: no status code, retryable.
		return nil, 0, &engine.ExternalServiceError{Service: service}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, &engine.ExternalServiceError{Service: service, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &engine.ExternalServiceError{
			Service:    service,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	data := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, resp.StatusCode, &engine.ExternalServiceError{
				Service:    service,
				StatusCode: resp.StatusCode,
				Body:       "invalid JSON response",
			}
		}
	}
	return data, resp.StatusCode, nil
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(params map[string]any, key string, def int) int {
	if params == nil {
		return def
	}
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
