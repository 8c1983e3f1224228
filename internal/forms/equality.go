package forms

import (
	"bytes"
	"encoding/json"
)

// NormalizeValue collapses the empty-input shapes a form control can produce
// into nil. Empty string and nil both mean "no value".
func NormalizeValue(value any) any {
	switch typed := value.(type) {
	case nil:
		return nil
	case string:
		if typed == "" {
			return nil
		}
		return typed
	default:
		return value
	}
}

// ValuesEqual is the single canonical equality rule for change detection.
// Both values are normalized, then compared by their canonical JSON encoding,
// which handles scalar fields and object-valued fields (AI scoring results)
// uniformly. Values that cannot be encoded are never considered equal.
func ValuesEqual(left, right any) bool {
	normalizedLeft := NormalizeValue(left)
	normalizedRight := NormalizeValue(right)

	if normalizedLeft == nil || normalizedRight == nil {
		return normalizedLeft == nil && normalizedRight == nil
	}

	leftJSON, err := json.Marshal(normalizedLeft)
	if err != nil {
		return false
	}
	rightJSON, err := json.Marshal(normalizedRight)
	if err != nil {
		return false
	}
	return bytes.Equal(leftJSON, rightJSON)
}
