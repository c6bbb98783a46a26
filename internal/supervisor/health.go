package supervisor

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HTTPHealth treats a 200 from URL as healthy.
type HTTPHealth struct {
	URL    string
	Client *http.Client
}

// NewHTTPHealth probes url with its own client; callers bound each probe by context.
func NewHTTPHealth(url string) *HTTPHealth {
	return &HTTPHealth{URL: url, Client: &http.Client{}}
}

// Check performs one probe.
func (h *HTTPHealth) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health %s: status %d", h.URL, resp.StatusCode)
	}
	return nil
}
