package prefs

import (
	"encoding/json"
	"fmt"
)

type valueType string

const (
	typeString valueType = "string"
	typeBool   valueType = "bool"
)

// value is the tagged representation persisted for every key, so that a
// bool is never silently read back as a string.
type value struct {
	Type   valueType `json:"type"`
	String string    `json:"s,omitempty"`
	Bool   bool      `json:"b,omitempty"`
}

func stringValue(s string) value { return value{Type: typeString, String: s} }

func boolValue(b bool) value { return value{Type: typeBool, Bool: b} }

func (v value) encode() ([]byte, error) {
	return json.Marshal(v)
}

func decodeValue(raw []byte) (value, error) {
	var v value
	if err := json.Unmarshal(raw, &v); err != nil {
		return value{}, fmt.Errorf("could not unmarshal value: %w", err)
	}
	return v, nil
}

func (v value) asString() (string, error) {
	if v.Type != typeString {
		return "", fmt.Errorf("%w: want %s, have %s", ErrTypeMismatch, typeString, v.Type)
	}
	return v.String, nil
}

func (v value) asBool() (bool, error) {
	if v.Type != typeBool {
		return false, fmt.Errorf("%w: want %s, have %s", ErrTypeMismatch, typeBool, v.Type)
	}
	return v.Bool, nil
}
