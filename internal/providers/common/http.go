package common

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"animecatalog/internal/upstream"
)

const maxBodyBytes = 4 * 1024 * 1024

// Fetch performs a GET and returns the body of a 2xx answer. Other statuses
// become *upstream.APIError so callers can classify them with errors.Is.
func Fetch(ctx context.Context, client *http.Client, provider, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", provider, err)
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &upstream.APIError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", provider, err)
	}
	return body, nil
}
