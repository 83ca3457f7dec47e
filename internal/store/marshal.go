package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/cloudsync/internal/record"
)

// marshalFields serializes a payload to canonical JSON so identical
// payloads are byte-identical on disk.
func marshalFields(f record.Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := record.MarshalCanonical(f)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses a stored payload. Numbers decode as float64, the
// same representation a JSON round trip through the remote produces.
func unmarshalFields(s string) (record.Fields, error) {
	var f record.Fields
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	if f == nil {
		f = record.Fields{}
	}
	return f, nil
}
