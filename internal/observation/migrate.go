package observation

import (
	"sort"

	"github.com/wagnerlima/mapeo-server/internal/models"
)

// Schema identifies the generation of an observation document.
type Schema int

const (
	SchemaUnknown Schema = iota
	// SchemaV1 is the "Sinangoe" generation: flat properties, string
	// attachments and a `created` timestamp.
	SchemaV1
	// SchemaV2 is the "ECA" generation: everything nested under tags.
	SchemaV2
)

// CurrentSchema is the schema version stamped on new observations.
const CurrentSchema = 3

// mutableProps are the top-level properties a client may set.
var mutableProps = []string{
	"lon",
	"lat",
	"attachments",
	"tags",
	"ref",
	"metadata",
	"fields",
	"schemaVersion",
}

// topLevelProps are all valid top-level properties of a canonical observation.
var topLevelProps = append(append([]string{}, mutableProps...),
	"created_at",
	"timestamp",
	"id",
	"version",
	"type",
)

// discardedProps are left over from early mobile clients and dropped.
var discardedProps = map[string]bool{
	"created_at_timestamp": true,
	"link":                 true,
	"device_id":            true,
	"observedBy":           true,
}

func isTopLevel(prop string) bool {
	for _, p := range topLevelProps {
		if p == prop {
			return true
		}
	}
	return false
}

// schemaPredicates are tried in order; the first match wins.
var schemaPredicates = []struct {
	schema Schema
	match  func(models.Record) bool
}{
	{SchemaV1, func(r models.Record) bool {
		_, hasTags := r["tags"]
		_, deviceID := r["device_id"].(string)
		_, created := r["created"].(string)
		return deviceID && created && !hasTags
	}},
	{SchemaV2, func(r models.Record) bool {
		if _, ok := r["created_at"]; ok {
			return false
		}
		tags, ok := r["tags"].(map[string]any)
		if !ok {
			return false
		}
		_, created := tags["created"].(string)
		return created
	}},
}

// DetectSchema sniffs the generation of an observation. An explicit
// schemaVersion always wins over shape detection.
func DetectSchema(r models.Record) Schema {
	if v, ok := r["schemaVersion"]; ok && truthy(v) {
		switch v {
		case 1.0, 1:
			return SchemaV1
		case 2.0, 2:
			return SchemaV2
		}
		return SchemaUnknown
	}
	for _, p := range schemaPredicates {
		if p.match(r) {
			return p.schema
		}
	}
	return SchemaUnknown
}

// Canonicalize maps an observation of any historical generation to the
// current shape. It never fails and never mutates r; documents it does not
// recognise are returned unchanged.
func Canonicalize(r models.Record) models.Record {
	switch DetectSchema(r) {
	case SchemaV1:
		return fromSchemaV1(r)
	case SchemaV2:
		return fromSchemaV2(r)
	default:
		return r
	}
}

func fromSchemaV1(r models.Record) models.Record {
	tags := map[string]any{}
	if old, ok := r["tags"].(map[string]any); ok {
		for k, v := range old {
			tags[k] = v
		}
	}
	out := models.Record{"tags": tags}

	for _, prop := range sortedKeys(r) {
		v := r[prop]
		switch {
		case prop == "tags":
			// merged above so field answers are not overwritten
		case prop == "attachments":
			out["attachments"] = upgradeAttachments(v)
		case prop == "fields":
			if v == nil {
				v = []any{}
			}
			out["fields"] = v
			list, _ := v.([]any)
			for _, f := range list {
				field, ok := f.(map[string]any)
				if !ok {
					continue
				}
				id, _ := field["id"].(string)
				if id == "" || !truthy(field["answer"]) {
					continue
				}
				tags[id] = field["answer"]
			}
		case discardedProps[prop]:
		case isTopLevel(prop):
			out[prop] = v
		case prop == "created":
			out["created_at"] = v
		default:
			tags[prop] = v
		}
	}
	return out
}

// upgradeAttachments turns bare string ids into {id} descriptors.
func upgradeAttachments(v any) any {
	if v == nil {
		return []any{}
	}
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, len(list))
	for i, a := range list {
		if s, ok := a.(string); ok {
			out[i] = map[string]any{"id": s}
			continue
		}
		out[i] = a
	}
	return out
}

func fromSchemaV2(r models.Record) models.Record {
	out := r.Clone()
	tags := map[string]any{}
	out["tags"] = tags

	old, _ := r["tags"].(map[string]any)
	for k, v := range old {
		switch k {
		case "fields":
			out["fields"] = v
		case "created":
			out["created_at"] = v
		default:
			tags[k] = v
		}
	}
	return out
}

func sortedKeys(r models.Record) []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
