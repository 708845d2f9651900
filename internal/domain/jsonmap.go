// Package domain defines the persistence models for bots, channels,
// conversations, messages, CRM integrations, and sync bookkeeping. These
// types are mapped with GORM and form the core data layer of the bridge.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a free-form string-keyed map stored as a JSON TEXT column.
// It backs metadata, credentials, settings, and field-mapping columns.
//
// A nil JSONMap serializes as SQL NULL; scanning NULL yields nil.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonmap: unsupported source type %T", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

// GetString returns the value under key when it is a non-empty string.
func (m JSONMap) GetString(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// GetBool returns the value under key when it is a boolean. JSON round-trips
// may also surface booleans as the strings "true"/"false".
func (m JSONMap) GetBool(key string) bool {
	if m == nil {
		return false
	}
	switch v := m[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}
