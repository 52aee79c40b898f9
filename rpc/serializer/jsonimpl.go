package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Name() string {
	return "json"
}

func (j jsonSerializerImpl) Serialize(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (j jsonSerializerImpl) Deserialize(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

func (j jsonSerializerImpl) Convert(raw []byte, target any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil // absent value, keep the zero value
	}

	err := json.Unmarshal(raw, target)
	if err == nil {
		return nil
	}

	switch {
	case raw[0] == '"':
		// a quoted scalar, e.g. "42" for an int or "true" for a bool
		var inner string
		if json.Unmarshal(raw, &inner) != nil {
			return err
		}
		if innerErr := json.Unmarshal([]byte(inner), target); innerErr == nil {
			return nil
		}
	case raw[0] != '{' && raw[0] != '[':
		// an unquoted scalar for a string target, e.g. 42 for a string
		if s, ok := target.(*string); ok {
			*s = string(raw)
			return nil
		}
	}

	return fmt.Errorf("cannot convert %s: %w", truncate(raw, 64), err)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
