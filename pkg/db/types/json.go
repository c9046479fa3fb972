package dbtypes

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON stores an opaque JSON document. It scans from both jsonb (Postgres)
// and TEXT (SQLite) columns and is written as text.
type JSON []byte

// NewJSON marshals v into a JSON column value.
func NewJSON(v any) (JSON, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return JSON(raw), nil
	}
	if raw, ok := v.(JSON); ok {
		return raw, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("JSON: marshal: %w", err)
	}
	return JSON(encoded), nil
}

func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
		return nil
	case string:
		*j = JSON(v)
	case []byte:
		*j = append((*j)[:0], v...)
	default:
		return fmt.Errorf("JSON: unsupported Scan type %T", src)
	}
	if len(*j) > 0 && !json.Valid(*j) {
		return fmt.Errorf("JSON: invalid document")
	}
	return nil
}

func (j JSON) Value() (driver.Value, error) {
	if len(bytes.TrimSpace(j)) == 0 {
		return "{}", nil
	}
	if !json.Valid(j) {
		return nil, fmt.Errorf("JSON: invalid document")
	}
	return string(j), nil
}

// RawMessage exposes the document for embedding into other JSON values.
func (j JSON) RawMessage() json.RawMessage {
	if len(bytes.TrimSpace(j)) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(j)
}

func (j JSON) MarshalJSON() ([]byte, error) {
	return j.RawMessage(), nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	*j = append((*j)[:0], data...)
	return nil
}

// Decode unmarshals the document into dst.
func (j JSON) Decode(dst any) error {
	return json.Unmarshal(j.RawMessage(), dst)
}
