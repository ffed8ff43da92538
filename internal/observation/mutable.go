package observation

import (
	"fmt"
	"math"

	"github.com/wagnerlima/mapeo-server/internal/apierr"
	"github.com/wagnerlima/mapeo-server/internal/models"
)

// Mutable is the subset of an observation a client is allowed to write.
// Nil fields were not supplied.
type Mutable struct {
	Lon           *float64
	Lat           *float64
	Attachments   []any
	Tags          map[string]any
	Ref           any
	Metadata      any
	Fields        any
	SchemaVersion *int
}

// NewMutable builds the writable subset from a decoded payload. Properties
// outside the known top-level set are rejected; known read-only properties
// (id, version, type, timestamps) are accepted and ignored.
func NewMutable(r models.Record) (Mutable, error) {
	var m Mutable
	for _, prop := range sortedKeys(r) {
		if !isTopLevel(prop) {
			return Mutable{}, apierr.InvalidFields(fmt.Sprintf("unknown property `%s`", prop))
		}
	}

	var err error
	if m.Lon, err = optionalFloat(r, "lon"); err != nil {
		return Mutable{}, err
	}
	if m.Lat, err = optionalFloat(r, "lat"); err != nil {
		return Mutable{}, err
	}

	switch att := r["attachments"].(type) {
	case nil:
	case []any:
		m.Attachments = att
	default:
		return Mutable{}, apierr.InvalidFields("Observation attachments must be an array")
	}

	switch tags := r["tags"].(type) {
	case nil:
	case map[string]any:
		m.Tags = tags
	default:
		return Mutable{}, apierr.InvalidFields("tags must be an object")
	}

	switch sv := r["schemaVersion"].(type) {
	case nil:
	case float64:
		if sv != math.Trunc(sv) {
			return Mutable{}, apierr.InvalidFields("schemaVersion must be an integer")
		}
		// zero means "not set", as it always has for older clients
		if sv != 0 {
			v := int(sv)
			m.SchemaVersion = &v
		}
	default:
		return Mutable{}, apierr.InvalidFields("schemaVersion must be an integer")
	}

	m.Ref = r["ref"]
	m.Metadata = r["metadata"]
	m.Fields = r["fields"]
	return m, nil
}

// ApplyTo returns a copy of base with every mutable property replaced by
// the supplied value. Properties not supplied are removed, except
// schemaVersion which keeps the value from base.
func (m Mutable) ApplyTo(base models.Record) models.Record {
	out := base.Clone()
	set := func(key string, v any, ok bool) {
		if ok {
			out[key] = v
		} else {
			delete(out, key)
		}
	}
	set("lon", deref(m.Lon), m.Lon != nil)
	set("lat", deref(m.Lat), m.Lat != nil)
	set("attachments", m.Attachments, m.Attachments != nil)
	set("tags", m.Tags, m.Tags != nil)
	set("ref", m.Ref, m.Ref != nil)
	set("metadata", m.Metadata, m.Metadata != nil)
	set("fields", m.Fields, m.Fields != nil)
	if m.SchemaVersion != nil {
		out["schemaVersion"] = *m.SchemaVersion
	}
	return out
}

func optionalFloat(r models.Record, key string) (*float64, error) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, apierr.InvalidFields("lon and lat must be a number")
	}
	return &f, nil
}

func deref(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
