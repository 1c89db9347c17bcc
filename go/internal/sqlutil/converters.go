package sqlutil

import (
	"encoding/json"

	"github.com/sqlc-dev/pqtype"
)

// Helper functions for converting between Go types and JSONB columns

// ToNullRawMessage wraps raw JSON for a nullable JSONB column. Empty input is NULL.
func ToNullRawMessage(raw []byte) pqtype.NullRawMessage {
	return pqtype.NullRawMessage{RawMessage: json.RawMessage(raw), Valid: len(raw) > 0}
}

// FromNullRawMessage returns the raw JSON, or nil for NULL
func FromNullRawMessage(val pqtype.NullRawMessage) json.RawMessage {
	if !val.Valid {
		return nil
	}
	return val.RawMessage
}
