package salonsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteBookingClient creates bookings on the API.
type RemoteBookingClient interface {
	CreateBooking(ctx context.Context, token string, payload json.RawMessage) error
}

// RemoteProfileClient updates the signed-in user's profile on the API.
type RemoteProfileClient interface {
	UpdateProfile(ctx context.Context, token string, payload json.RawMessage) error
}

// APIClient implements both remote clients over HTTP. Any 2xx is success.
type APIClient struct {
	BaseURL      string
	BookingsPath string
	ProfilePath  string
	HTTP         *http.Client
}

func NewAPIClient(baseURL, bookingsPath, profilePath string) *APIClient {
	return &APIClient{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		BookingsPath: bookingsPath,
		ProfilePath:  profilePath,
		HTTP:         &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *APIClient) CreateBooking(ctx context.Context, token string, payload json.RawMessage) error {
	return c.send(ctx, "create booking", http.MethodPost, c.BookingsPath, token, payload)
}

func (c *APIClient) UpdateProfile(ctx context.Context, token string, payload json.RawMessage) error {
	return c.send(ctx, "update profile", http.MethodPut, c.ProfilePath, token, payload)
}

func (c *APIClient) send(ctx context.Context, op, method, path, token string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return newError(op, KindNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return newError(op, KindStatus, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
