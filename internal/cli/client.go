package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cory-johannsen/cloudtown/internal/frontend/httpapi"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("not found")

// Client is an HTTP client for the diagnostics endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Get fetches path and decodes the JSON body into result.
func (c *Client) Get(path string, result any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp httpapi.ErrorResponse
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", ErrNotFound, msg)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, msg)
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// Health fetches GET /health.
func (c *Client) Health() (httpapi.HealthResponse, error) {
	var out httpapi.HealthResponse
	err := c.Get("/health", &out)
	return out, err
}

// Rooms fetches GET /rooms.
func (c *Client) Rooms() ([]roomSummary, error) {
	var out []roomSummary
	err := c.Get("/rooms", &out)
	return out, err
}

// Room fetches GET /rooms/{roomID}.
func (c *Client) Room(roomID string) (httpapi.RoomResponse, error) {
	var out httpapi.RoomResponse
	err := c.Get("/rooms/"+url.PathEscape(roomID), &out)
	return out, err
}
