package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/gragarwa/orchard/internal/repo"
)

// Fragment is a named group of site settings. Concrete fragments are
// plain structs; only exported scalar fields (string, bool, int)
// travel through export/import, and fields tagged `export:"-"` are
// treated as read-only.
type Fragment interface {
	FragmentName() string
}

type General struct {
	SiteName        string `json:"site_name"`
	BaseURL         string `json:"base_url"`
	SuperUser       string `json:"super_user"`
	PageSize        int    `json:"page_size"`
	MaintenanceMode bool   `json:"maintenance_mode"`
	Updated         string `json:"updated,omitempty" export:"-"`
}

func (General) FragmentName() string { return "General" }

type Seo struct {
	MetaTitle       string `json:"meta_title"`
	MetaDescription string `json:"meta_description"`
	IndexingEnabled bool   `json:"indexing_enabled"`
}

func (Seo) FragmentName() string { return "Seo" }

// Routes carries only non-scalar configuration, so it never produces
// exportable attributes.
type Routes struct {
	Redirects map[string]string `json:"redirects,omitempty"`
}

func (Routes) FragmentName() string { return "Routes" }

// Defaults returns the registered fragments, in registration order,
// populated with their default values.
func Defaults() []Fragment {
	return []Fragment{
		&General{SiteName: "Orchard Site", PageSize: 10},
		&Seo{IndexingEnabled: true},
		&Routes{},
	}
}

// Lookup returns a default-valued fragment by name.
func Lookup(name string) (Fragment, bool) {
	for _, f := range Defaults() {
		if f.FragmentName() == name {
			return f, true
		}
	}
	return nil, false
}

// Service loads stored fragment payloads over the registered defaults.
type Service struct {
	Repo   repo.Repo
	SiteID string
}

// Fragments returns every registered fragment with stored values
// applied, in registration order.
func (s Service) Fragments(ctx context.Context) ([]Fragment, error) {
	frags := Defaults()
	for _, f := range frags {
		payload, err := s.Repo.GetSetting(ctx, s.SiteID, f.FragmentName())
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), f); err != nil {
			return nil, fmt.Errorf("settings fragment %s: %w", f.FragmentName(), err)
		}
	}
	return frags, nil
}

// Attribute is one exportable scalar field of a fragment.
type Attribute struct {
	Name  string
	Value string
}

// Attributes walks a fragment's fields and returns the exportable ones
// in declaration order. Unexported fields, fields tagged `export:"-"`,
// and non-scalar kinds are skipped.
func Attributes(f Fragment) []Attribute {
	v := reflect.ValueOf(f)
	if v.Kind() == reflect.Pointer {
		v = v.Elem()
	}
	t := v.Type()
	var attrs []Attribute
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		if field.Tag.Get("export") == "-" {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			attrs = append(attrs, Attribute{Name: field.Name, Value: fv.String()})
		case reflect.Bool:
			attrs = append(attrs, Attribute{Name: field.Name, Value: strconv.FormatBool(fv.Bool())})
		case reflect.Int:
			attrs = append(attrs, Attribute{Name: field.Name, Value: strconv.FormatInt(fv.Int(), 10)})
		}
	}
	return attrs
}

// Apply sets a fragment's scalar fields from attribute values, by
// field name. Unknown names are ignored; read-only fields cannot be
// set this way.
func Apply(f Fragment, attrs map[string]string) error {
	v := reflect.ValueOf(f)
	if v.Kind() != reflect.Pointer {
		return errors.New("fragment must be a pointer")
	}
	v = v.Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("export") == "-" {
			continue
		}
		raw, ok := attrs[field.Name]
		if !ok {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fv.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("fragment %s field %s: %w", f.FragmentName(), field.Name, err)
			}
			fv.SetBool(b)
		case reflect.Int:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("fragment %s field %s: %w", f.FragmentName(), field.Name, err)
			}
			fv.SetInt(n)
		}
	}
	return nil
}
