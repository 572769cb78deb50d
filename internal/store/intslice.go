package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// IntSlice stores QueueEntry.depends_on as a JSON array in a single column,
// the same "structured blob in a TEXT/JSONB column" convention used
// elsewhere in this schema for nested structured data.
type IntSlice []int

// Value implements driver.Valuer.
func (s IntSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]int(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *IntSlice) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("store: cannot scan %T into IntSlice", src)
	}
	if len(raw) == 0 {
		*s = nil
		return nil
	}
	var out []int
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*s = out
	return nil
}

// Contains reports whether order is present in s.
func (s IntSlice) Contains(order int) bool {
	for _, v := range s {
		if v == order {
			return true
		}
	}
	return false
}
