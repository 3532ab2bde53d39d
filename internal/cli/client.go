package cli

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

	"fencesync/internal/reconcile"
)

// Client talks to the fencesync management API.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates API client for base URL.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base: strings.TrimSuffix(strings.TrimSpace(base), "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx management API response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// AddFence posts one encoded fence document.
func (c *Client) AddFence(ctx context.Context, doc []byte) error {
	_, err := c.do(ctx, http.MethodPost, "/fences", doc, http.StatusAccepted)
	return err
}

// RemoveFence requests removal of id.
func (c *Client) RemoveFence(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/fences/"+url.PathEscape(id), nil, http.StatusAccepted)
	return err
}

// Fences lists synced fence documents.
func (c *Client) Fences(ctx context.Context) ([]json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/fences", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var docs []json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, fmt.Errorf("decode fence list: %w", err)
	}
	return docs, nil
}

// Fence fetches one synced fence document.
func (c *Client) Fence(ctx context.Context, id string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/fences/"+url.PathEscape(id), nil, http.StatusOK)
}

// State fetches the three namespace id sets.
func (c *Client) State(ctx context.Context) (reconcile.Snapshot, error) {
	body, err := c.do(ctx, http.MethodGet, "/state", nil, http.StatusOK)
	if err != nil {
		return reconcile.Snapshot{}, err
	}
	var snap reconcile.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return reconcile.Snapshot{}, fmt.Errorf("decode state: %w", err)
	}
	return snap, nil
}

// Resync asks the service to resubmit pending work.
func (c *Client) Resync(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/resync", nil, http.StatusAccepted)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, want int) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if response.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		message := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return nil, &APIError{Status: response.StatusCode, Message: message}
	}
	return raw, nil
}
