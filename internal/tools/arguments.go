package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
)

// NormalizeArguments parses a model-produced argument string into one object.
//
// Some models stream several argument objects back to back ({"a":1}{"b":2}).
// Those are decoded in order and merged shallowly, later keys winning.
// An empty string yields an empty object.
func NormalizeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	merged := make(map[string]any)
	objects := 0
	for {
		var obj map[string]any
		err := dec.Decode(&obj)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedArguments, err)
		}
		if obj == nil {
			return nil, fmt.Errorf("%w: null is not an object", ErrMalformedArguments)
		}
		maps.Copy(merged, obj)
		objects++
	}
	if objects == 0 {
		return nil, fmt.Errorf("%w: no object found", ErrMalformedArguments)
	}
	return merged, nil
}
