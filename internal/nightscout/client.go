// Package nightscout talks to a Nightscout server: it reads CGM entries as a
// live sensor and uploads the loop's deliveries as treatments
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // Nightscout authenticates with the SHA1 of API_SECRET
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mrcode/loopsim/internal/models"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// ErrNoEntries is returned when the server has no glucose entries
var ErrNoEntries = errors.New("no entries returned")

// APIError is returned for a non-2xx response
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: API error %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client is a minimal Nightscout v1 API client
type Client struct {
	baseURL    string
	token      string // bearer token, takes precedence over the secret
	secretHash string
	httpClient *http.Client
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a client. With useToken the token is sent as a bearer
// token, otherwise the hashed API secret is sent.
func NewClient(baseURL, apiSecret, apiToken string, useToken bool, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	if useToken && apiToken != "" {
		c.token = apiToken
	} else if apiSecret != "" {
		c.secretHash = hashSecret(apiSecret)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func hashSecret(secret string) string {
	sum := sha1.Sum([]byte(secret)) //nolint:gosec // see import
	return hex.EncodeToString(sum[:])
}

// call sends in (if non-nil) as JSON and decodes the response into out (if non-nil)
func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, in, out any) error {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", endpoint, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.secretHash != "":
		req.Header.Set("API-SECRET", c.secretHash)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", endpoint, err)
	}
	return nil
}

// GetStatus retrieves the server status
func (c *Client) GetStatus(ctx context.Context) (*models.ServerStatus, error) {
	var status models.ServerStatus
	if err := c.call(ctx, http.MethodGet, "/api/v1/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// CurrentEntry retrieves the most recent glucose entry. The endpoint
// answers with either a single object or a one-element array.
func (c *Client) CurrentEntry(ctx context.Context) (*models.GlucoseEntry, error) {
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/api/v1/entries/current", nil, nil, &raw); err != nil {
		return nil, err
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var entries []models.GlucoseEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("parsing entries: %w", err)
		}
		if len(entries) == 0 {
			return nil, ErrNoEntries
		}
		return &entries[0], nil
	}

	var entry models.GlucoseEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("parsing entry: %w", err)
	}
	return &entry, nil
}

// RecentEntries retrieves up to count sensor glucose entries, newest first.
// Entries without a glucose value are dropped.
func (c *Client) RecentEntries(ctx context.Context, count int) ([]models.GlucoseEntry, error) {
	query := url.Values{"count": {strconv.Itoa(count)}}

	var entries []models.GlucoseEntry
	if err := c.call(ctx, http.MethodGet, "/api/v1/entries/sgv", query, nil, &entries); err != nil {
		return nil, err
	}
	valid := entries[:0]
	for _, e := range entries {
		if e.SGV > 0 {
			valid = append(valid, e)
		}
	}
	return valid, nil
}

// PostTreatments uploads treatment records in one request
func (c *Client) PostTreatments(ctx context.Context, treatments ...models.Treatment) error {
	if len(treatments) == 0 {
		return nil
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/treatments", nil, treatments, nil); err != nil {
		return fmt.Errorf("posting %s: %w", treatments[0].EventType, err)
	}
	return nil
}
