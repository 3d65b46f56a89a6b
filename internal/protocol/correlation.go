package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// requestIDField is the key correlated requests embed in their payload and
// the server echoes back.
const requestIDField = "_requestId"

var requestIDMarker = []byte(`"` + requestIDField + `"`)

// InjectRequestID marshals payload and embeds the correlation id alongside
// its fields. The payload must marshal to a JSON object (all correlated
// request payloads do).
func InjectRequestID(payload any, id string) (json.RawMessage, error) {
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("correlated payload is not an object: %w", err)
	}
	idRaw, _ := json.Marshal(id)
	fields[requestIDField] = idRaw
	return json.Marshal(fields)
}

// RequestID extracts the correlation id from an inbound payload, or returns
// "" if none is embedded. The byte scan short-circuits the common case of
// uncorrelated broadcasts.
func RequestID(raw json.RawMessage) string {
	if len(raw) == 0 || !bytes.Contains(raw, requestIDMarker) {
		return ""
	}
	var probe struct {
		ID string `json:"_requestId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// StripRequestID returns the payload with the correlation id removed. The
// caller gets back exactly what the server sent, minus the plumbing field.
func StripRequestID(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || !bytes.Contains(raw, requestIDMarker) {
		return raw
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	delete(fields, requestIDField)
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}

// Ack is the generic shape of a correlated response: an optional success
// flag, an optional server error, and an optional data blob.
type Ack struct {
	Success *bool           `json:"success,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ParseAck decodes a correlated response payload. An empty payload is a
// plain success.
func ParseAck(raw json.RawMessage) (Ack, error) {
	var ack Ack
	if len(raw) == 0 {
		return ack, nil
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return Ack{}, fmt.Errorf("parse ack: %w", err)
	}
	return ack, nil
}

// Err converts a rejecting ack into a *ServerError, or returns nil for
// success. A missing success flag counts as success.
func (a Ack) Err() error {
	if a.Success != nil && !*a.Success {
		if a.Error != nil {
			return &ServerError{Code: a.Error.Code, Message: a.Error.Message}
		}
		if a.Code != "" || a.Message != "" {
			return &ServerError{Code: a.Code, Message: a.Message}
		}
		return &ServerError{Code: "UNKNOWN", Message: "request rejected"}
	}
	return nil
}
