package server

import (
	"encoding/json"

	"github.com/gragarwa/orchard/internal/domain"
)

// Request payloads

type CreatePartRequest struct {
	Name        string            `json:"name"`
	Description *string           `json:"description,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
}

type CreateTypeRequest struct {
	Name        string   `json:"name"`
	DisplayName *string  `json:"display_name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Parts       []string `json:"parts,omitempty"`
}

type CreateItemRequest struct {
	ID          *string        `json:"id,omitempty"`
	ContentType string         `json:"content_type"`
	Data        map[string]any `json:"data,omitempty"`
	Publish     bool           `json:"publish,omitempty"`
}

type UpdateItemRequest struct {
	Data map[string]any `json:"data"`
}

type UpdateSettingsRequest struct {
	Values map[string]any `json:"values"`
}

type ExportRequest struct {
	ContentTypes  []string `json:"content_types,omitempty"`
	Metadata      bool     `json:"metadata,omitempty"`
	Settings      bool     `json:"settings,omitempty"`
	Data          bool     `json:"data,omitempty"`
	IncludeDrafts bool     `json:"include_drafts,omitempty"`
}

type ImportRequest struct {
	Recipe string `json:"recipe"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

// Response payloads

type SiteResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type PartResponse struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Settings    map[string]string `json:"settings,omitempty"`
	CreatedAt   string            `json:"created_at" format:"date-time"`
}

type TypeResponse struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description,omitempty"`
	Parts       []string `json:"parts"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type ItemResponse struct {
	ID          string         `json:"id"`
	ContentType string         `json:"content_type"`
	Version     int            `json:"version"`
	Status      string         `json:"status" enum:"draft,published"`
	Latest      bool           `json:"latest"`
	Published   bool           `json:"published"`
	Data        map[string]any `json:"data"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	ModifiedAt  string         `json:"modified_at" format:"date-time"`
	PublishedAt *string        `json:"published_at,omitempty" format:"date-time"`
}

type SettingsFragmentResponse struct {
	Name   string         `json:"name"`
	Values map[string]any `json:"values"`
}

type ShellDescriptorResponse struct {
	SerialNumber int64             `json:"serial_number"`
	Features     []string          `json:"features"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

type ExportResponse struct {
	Path string `json:"path"`
}

type ImportResponse struct {
	ShellSerial int64 `json:"shell_serial"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SiteID     string         `json:"site_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func siteResponse(s domain.Site) SiteResponse {
	return SiteResponse(s)
}

func partResponse(p domain.ContentPart) PartResponse {
	var settings map[string]string
	if p.SettingsJSON != "" {
		_ = json.Unmarshal([]byte(p.SettingsJSON), &settings)
	}
	return PartResponse{
		Name:        p.Name,
		Description: p.Description,
		Settings:    settings,
		CreatedAt:   p.CreatedAt,
	}
}

func typeResponse(t domain.ContentType) TypeResponse {
	return TypeResponse{
		Name:        t.Name,
		DisplayName: t.DisplayName,
		Description: t.Description,
		Parts:       nonNilSlice(t.Parts),
		CreatedAt:   t.CreatedAt,
	}
}

func itemResponse(it domain.ContentItem) ItemResponse {
	return ItemResponse{
		ID:          it.ID,
		ContentType: it.ContentType,
		Version:     it.Version,
		Status:      it.Status,
		Latest:      it.Latest,
		Published:   it.Published,
		Data:        decodeJSONMap(it.DataJSON),
		CreatedAt:   it.CreatedAt,
		ModifiedAt:  it.ModifiedAt,
		PublishedAt: it.PublishedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SiteID:     e.SiteID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapItems(items []domain.ContentItem) []ItemResponse {
	res := make([]ItemResponse, 0, len(items))
	for _, it := range items {
		res = append(res, itemResponse(it))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
