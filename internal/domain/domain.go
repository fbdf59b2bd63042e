package domain

type Site struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ContentType is a named schema composed of ordered part references.
type ContentType struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Description string   `json:"description,omitempty"`
	Parts       []string `json:"parts,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// ContentPart is a reusable schema fragment shared across content types.
type ContentPart struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	SettingsJSON string `json:"settings_json,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// ContentItem is one version record of a content item. A logical item
// is the set of rows sharing an ID; at most one row is Latest and at
// most one is Published.
type ContentItem struct {
	ID          string  `json:"id"`
	ContentType string  `json:"content_type"`
	Version     int     `json:"version"`
	Status      string  `json:"status" enum:"draft,published"`
	Latest      bool    `json:"latest"`
	Published   bool    `json:"published"`
	DataJSON    string  `json:"data_json"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ModifiedAt  string  `json:"modified_at" format:"date-time"`
	PublishedAt *string `json:"published_at,omitempty" format:"date-time"`
}

// ShellDescriptor versions the enabled feature set. Re-saving it with
// an unchanged feature set bumps SerialNumber so dependent caches know
// to recompute.
type ShellDescriptor struct {
	SerialNumber int64             `json:"serial_number"`
	Features     []string          `json:"features"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	UpdatedAt    string            `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SiteID     string `json:"site_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ActorProfile struct {
	SiteID      string   `json:"site_id"`
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}
