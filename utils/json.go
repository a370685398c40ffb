package utils

import (
	"encoding/json"
)

// DecodeJSON unmarshals a json column; empty or invalid data yields the zero value.
func DecodeJSON[T any](data []byte) T {
	var out T
	if len(data) == 0 {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

// EncodeJSON marshals v for a json column.
func EncodeJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
