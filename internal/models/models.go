package models

// Record is an untyped observation or element document as it is stored.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value of key when it is a string.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Tags returns the tags map of the record, or nil if it has none.
func (r Record) Tags() map[string]any {
	tags, _ := r["tags"].(map[string]any)
	return tags
}

// Node is one revision of a logical record as returned by the store.
type Node struct {
	ID      string   `json:"id"`
	Version string   `json:"version"`
	Links   []string `json:"links,omitempty"`
	Value   Record   `json:"value"`
}

// Revision is a node plus its tombstone flag, the unit exchanged during replication.
type Revision struct {
	ID      string   `json:"id"`
	Version string   `json:"version"`
	Links   []string `json:"links,omitempty"`
	Value   Record   `json:"value,omitempty"`
	Deleted bool     `json:"deleted,omitempty"`
}

// Target is a peer discovered on the local network.
type Target struct {
	Name     string `json:"name"`
	DeviceID string `json:"device_id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Type     string `json:"type"`
}

// SyncTarget is the request side of a replication session: either a local
// archive file or a network peer.
type SyncTarget struct {
	Filename string `json:"filename,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// Notification is one record of the replication progress stream.
type Notification struct {
	Topic   string `json:"topic"`
	Message any    `json:"message,omitempty"`
}

// Style summarises one map style found under the static root.
type Style struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Bounds      any    `json:"bounds,omitempty"`
	MinZoom     any    `json:"minzoom,omitempty"`
	MaxZoom     any    `json:"maxzoom,omitempty"`
}
