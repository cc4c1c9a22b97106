// Package queue connects the workflow to Redis Streams: inbound call records
// are consumed through a consumer group and final states are published back.
package queue

import (
	"encoding/json"
	"strings"

	"github.com/rendis/callflow/internal/normalize"
	"github.com/rendis/callflow/internal/state"
	"github.com/rendis/callflow/pkg/schema"
)

// RecordField is the stream field carrying the JSON-encoded record.
const RecordField = "record"

// ParseRecord decodes an inbound record from stream values. The record is
// read from RecordField when present, otherwise from the values themselves.
func ParseRecord(values map[string]any) (state.Record, error) {
	var payload any = values
	if raw, ok := values[RecordField]; ok {
		s, isString := raw.(string)
		if !isString || strings.TrimSpace(s) == "" {
			return state.Record{}, schema.NewErrorf(schema.ErrCodeDecode, "field %q is empty", RecordField)
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return state.Record{}, schema.NewErrorf(schema.ErrCodeDecode, "field %q is not a JSON object", RecordField).WithCause(err)
		}
		payload = m
	}

	var rec state.Record
	if err := normalize.Decode(payload, &rec); err != nil {
		return state.Record{}, err
	}
	if _, err := state.New(rec); err != nil {
		return state.Record{}, err
	}
	return rec, nil
}
