package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sanitize converts v into a value that encodes faithfully as JSON.
// Timestamps become ISO-8601 text and binary blobs become a short placeholder
// recording their byte length; blob content is deliberately not persisted.
// Anything that still cannot be encoded is replaced by a placeholder naming
// its Go type, and every such degradation is logged so a failed field can be
// diagnosed. Maps and slices are walked recursively.
func Sanitize(logger *zap.Logger, v any) any {
	return sanitizeValue(logger, "", v)
}

// SanitizeMap applies Sanitize to each entry of m, preserving keys.
func SanitizeMap(logger *zap.Logger, m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitizeValue(logger, k, v)
	}
	return out
}

func sanitizeValue(logger *zap.Logger, field string, v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.Format(time.RFC3339Nano)
	case time.Duration:
		return val.String()
	case []byte:
		return fmt.Sprintf("<binary %d bytes>", len(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = sanitizeValue(logger, field+"."+k, inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = sanitizeValue(logger, fmt.Sprintf("%s[%d]", field, i), inner)
		}
		return out
	}

	// Unknown type: keep it if the encoder can handle it, otherwise degrade
	// to a placeholder rather than failing the whole write.
	if _, err := json.Marshal(v); err != nil {
		logger.Warn("Field is not serializable, writing placeholder",
			zap.String("field", field),
			zap.String("type", fmt.Sprintf("%T", v)),
			zap.Error(err))
		return fmt.Sprintf("<unserializable %T>", v)
	}
	return v
}
