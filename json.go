package quarry

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONData wraps raw JSON for columns whose shape is not known ahead of
// time. It round-trips through the driver as text and marshals transparently.
type JSONData struct {
	data json.RawMessage
}

// NewJSONData builds a JSONData from any marshalable value.
func NewJSONData(v interface{}) (JSONData, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return JSONData{}, fmt.Errorf("quarry: encode json data: %w", err)
	}
	return JSONData{data: b}, nil
}

// Scan implements sql.Scanner.
func (j *JSONData) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		j.data = nil
		return nil
	case []byte:
		j.data = append(json.RawMessage(nil), v...)
		return nil
	case string:
		j.data = json.RawMessage(v)
		return nil
	default:
		return fmt.Errorf("quarry: cannot scan %T into JSONData", src)
	}
}

// Value implements driver.Valuer.
func (j JSONData) Value() (driver.Value, error) {
	if len(j.data) == 0 {
		return nil, nil
	}
	return string(j.data), nil
}

// MarshalJSON implements json.Marshaler.
func (j JSONData) MarshalJSON() ([]byte, error) {
	if len(j.data) == 0 {
		return []byte("null"), nil
	}
	return j.data, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONData) UnmarshalJSON(b []byte) error {
	j.data = append(json.RawMessage(nil), b...)
	return nil
}

// Decode unmarshals the wrapped document into dst.
func (j JSONData) Decode(dst interface{}) error {
	if len(j.data) == 0 {
		return nil
	}
	return json.Unmarshal(j.data, dst)
}

// IsZero reports whether no document is held.
func (j JSONData) IsZero() bool {
	return len(j.data) == 0
}

func (j JSONData) String() string {
	return string(j.data)
}
