package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// RuleSet maps a category to its rule. Stored as jsonb.
type RuleSet map[Category]CategoryRule

// Value implements driver.Valuer.
func (r RuleSet) Value() (driver.Value, error) {
	if r == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner.
func (r *RuleSet) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*r = RuleSet{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported rules type %T", src)
	}
	out := RuleSet{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("failed to decode rules: %w", err)
	}
	*r = out
	return nil
}
