package observation

import (
	"fmt"

	"github.com/wagnerlima/mapeo-server/internal/apierr"
)

// Validate checks the shape of a decoded observation payload. Rules are
// applied in order and the first failure is returned as InvalidFields.
func Validate(v any) error {
	if v == nil {
		return apierr.InvalidFields("Observation is undefined")
	}
	obs, ok := v.(map[string]any)
	if !ok || obs["type"] != TypeObservation {
		return apierr.InvalidFields("Observation must be of type `observation`")
	}

	if att, ok := obs["attachments"]; ok && truthy(att) {
		list, ok := att.([]any)
		if !ok {
			return apierr.InvalidFields("Observation attachments must be an array")
		}
		for i, a := range list {
			if !truthy(a) {
				return apierr.InvalidFields(fmt.Sprintf("Attachment at index `%d` is undefined", i))
			}
			rec, ok := a.(map[string]any)
			if !ok {
				return apierr.InvalidFields(fmt.Sprintf("Attachment must have a string id property (at index `%d`)", i))
			}
			if _, ok := rec["id"].(string); !ok {
				return apierr.InvalidFields(fmt.Sprintf("Attachment must have a string id property (at index `%d`)", i))
			}
		}
	}

	lat, hasLat := obs["lat"]
	lon, hasLon := obs["lon"]
	if hasLat || hasLon {
		if !hasLat || !hasLon {
			return apierr.InvalidFields("one of lat and lon are undefined")
		}
		if !isNumber(lat) || !isNumber(lon) {
			return apierr.InvalidFields("lon and lat must be a number")
		}
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32:
		return true
	}
	return false
}

// truthy follows the loose truthiness legacy clients relied on: nil, false,
// zero and the empty string are falsy, everything else is truthy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return true
}
