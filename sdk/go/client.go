package orchardsdk

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
)

// Client is a minimal Orchard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ContentType represents a content type definition.
type ContentType struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description,omitempty"`
	Parts       []string `json:"parts"`
	CreatedAt   string   `json:"created_at"`
}

// ContentPart represents a reusable content part definition.
type ContentPart struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
	CreatedAt   string            `json:"created_at"`
}

// ContentItem represents one version of a content item.
type ContentItem struct {
	ID          string         `json:"id"`
	ContentType string         `json:"content_type"`
	Version     int            `json:"version"`
	Status      string         `json:"status"`
	Latest      bool           `json:"latest"`
	Published   bool           `json:"published"`
	Data        map[string]any `json:"data"`
	CreatedAt   string         `json:"created_at"`
	ModifiedAt  string         `json:"modified_at"`
	PublishedAt *string        `json:"published_at,omitempty"`
}

// SettingsFragment represents one named settings fragment.
type SettingsFragment struct {
	Name   string         `json:"name"`
	Values map[string]any `json:"values"`
}

// ShellDescriptor represents the shell descriptor record.
type ShellDescriptor struct {
	SerialNumber int64             `json:"serial_number"`
	Features     []string          `json:"features"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	UpdatedAt    string            `json:"updated_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SiteID     string         `json:"site_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ExportResult carries the artifact path of a finished export.
type ExportResult struct {
	Path string `json:"path"`
}

// ImportResult carries the shell serial after a recipe import.
type ImportResult struct {
	ShellSerial int64 `json:"shell_serial"`
}

// CreatePart defines a content part.
func (c *Client) CreatePart(ctx context.Context, name, description string, settings map[string]string) (ContentPart, error) {
	body := map[string]any{
		"name":        name,
		"description": description,
		"settings":    settings,
	}
	var resp ContentPart
	err := c.do(ctx, http.MethodPost, "v0/parts", body, &resp)
	return resp, err
}

// CreateType defines a content type composed of parts.
func (c *Client) CreateType(ctx context.Context, name, displayName string, parts []string) (ContentType, error) {
	body := map[string]any{
		"name":         name,
		"display_name": displayName,
		"parts":        parts,
	}
	var resp ContentType
	err := c.do(ctx, http.MethodPost, "v0/types", body, &resp)
	return resp, err
}

// ListTypes returns all content type definitions.
func (c *Client) ListTypes(ctx context.Context) ([]ContentType, error) {
	var resp []ContentType
	err := c.do(ctx, http.MethodGet, "v0/types", nil, &resp)
	return resp, err
}

// CreateItem creates a content item, optionally publishing it.
func (c *Client) CreateItem(ctx context.Context, contentType string, data map[string]any, publish bool) (ContentItem, error) {
	body := map[string]any{
		"content_type": contentType,
		"data":         data,
		"publish":      publish,
	}
	var resp ContentItem
	err := c.do(ctx, http.MethodPost, "v0/items", body, &resp)
	return resp, err
}

// GetItem fetches the latest (or published) version of an item.
func (c *Client) GetItem(ctx context.Context, id string, published bool) (ContentItem, error) {
	endpoint := fmt.Sprintf("v0/items/%s", url.PathEscape(id))
	if published {
		endpoint += "?published=true"
	}
	var resp ContentItem
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateItem writes a new draft version of an item.
func (c *Client) UpdateItem(ctx context.Context, id string, data map[string]any) (ContentItem, error) {
	body := map[string]any{"data": data}
	var resp ContentItem
	endpoint := fmt.Sprintf("v0/items/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// PublishItem publishes the latest version of an item.
func (c *Client) PublishItem(ctx context.Context, id string) (ContentItem, error) {
	var resp ContentItem
	endpoint := fmt.Sprintf("v0/items/%s/publish", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Settings returns all settings fragments.
func (c *Client) Settings(ctx context.Context) ([]SettingsFragment, error) {
	var resp []SettingsFragment
	err := c.do(ctx, http.MethodGet, "v0/settings", nil, &resp)
	return resp, err
}

// UpdateSettings stores a settings fragment.
func (c *Client) UpdateSettings(ctx context.Context, fragment string, values map[string]any) error {
	body := map[string]any{"values": values}
	endpoint := fmt.Sprintf("v0/settings/%s", url.PathEscape(fragment))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// Export runs a recipe export and returns the artifact path on the server.
func (c *Client) Export(ctx context.Context, types []string, metadata, settings, data, includeDrafts bool) (ExportResult, error) {
	body := map[string]any{
		"content_types":  types,
		"metadata":       metadata,
		"settings":       settings,
		"data":           data,
		"include_drafts": includeDrafts,
	}
	var resp ExportResult
	err := c.do(ctx, http.MethodPost, "v0/export", body, &resp)
	return resp, err
}

// Import applies a recipe document.
func (c *Client) Import(ctx context.Context, recipe string) (ImportResult, error) {
	body := map[string]any{"recipe": recipe}
	var resp ImportResult
	err := c.do(ctx, http.MethodPost, "v0/import", body, &resp)
	return resp, err
}

// Shell fetches the shell descriptor.
func (c *Client) Shell(ctx context.Context) (ShellDescriptor, error) {
	var resp ShellDescriptor
	err := c.do(ctx, http.MethodGet, "v0/shell", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
