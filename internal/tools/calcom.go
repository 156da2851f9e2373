package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/brightline-ai/voice-bridge/internal/resilience"
)

// ErrBackendFailure is returned when the calendar backend answers non-2xx
var ErrBackendFailure = errors.New("calendar backend failure")

// CalComClient talks to the cal.com v2 API
type CalComClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	breaker    *resilience.CircuitBreaker
}

// NewCalComClient creates a cal.com API client. All calls run through the
// circuit breaker; an open circuit surfaces as an ordinary error.
func NewCalComClient(httpClient *http.Client, baseURL, apiKey string, breaker *resilience.CircuitBreaker) *CalComClient {
	return &CalComClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		breaker:    breaker,
	}
}

// GetSlots fetches available slots for an event type between two dates
func (c *CalComClient) GetSlots(ctx context.Context, eventTypeID, start, end, timeZone string) (string, error) {
	q := url.Values{}
	q.Set("eventTypeId", eventTypeID)
	q.Set("start", start)
	q.Set("end", end)
	q.Set("timeZone", timeZone)

	return c.do(ctx, http.MethodGet, "/v2/slots?"+q.Encode(), nil)
}

// CreateBooking creates a booking with the given request body
func (c *CalComClient) CreateBooking(ctx context.Context, body []byte) (string, error) {
	return c.do(ctx, http.MethodPost, "/v2/bookings", body)
}

func (c *CalComClient) do(ctx context.Context, method, path string, body []byte) (string, error) {
	var result string
	err := c.breaker.Call(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("cal-api-version", "2024-08-13")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			preview := data
			if len(preview) > 256 {
				preview = preview[:256]
			}
			return fmt.Errorf("%w: status %d: %s", ErrBackendFailure, resp.StatusCode, preview)
		}

		result = string(data)
		return nil
	})
	return result, err
}
