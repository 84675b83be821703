package interfaces

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Payload is a schema-free JSON object. The queue never looks inside it;
// handlers validate the shape they expect.
type Payload map[string]any

// Value implements driver.Valuer. A nil payload is stored as SQL NULL. The
// JSON is returned as a string so lib/pq sends it as text, not bytea.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for JSON and JSONB columns.
func (p *Payload) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan payload: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*p = nil
		return nil
	}
	out := Payload{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	*p = out
	return nil
}

// Clone returns a shallow copy so callers can't mutate stored maps.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// String returns the value at key when it is a string.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}
