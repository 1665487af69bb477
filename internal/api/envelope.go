package api

import (
	"encoding/json"
	"strings"
)

// envelope is the backend's standard response wrapper.
type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Error   json.RawMessage `json:"error"`
	Errors  json.RawMessage `json:"errors"`
	Data    json.RawMessage `json:"data"`
}

// fieldError is one entry of an "errors" array.
type fieldError struct {
	Msg     string `json:"msg"`
	Message string `json:"message"`
	Field   string `json:"field"`
	Path    string `json:"path"`
}

func (f fieldError) text() string {
	if f.Msg != "" {
		return f.Msg
	}
	return f.Message
}

// extractMessage returns the best human-readable message from an envelope.
// Arrays of field errors collapse into one comma-joined string.
func extractMessage(env envelope) string {
	if msg := collapseErrors(env.Errors); msg != "" {
		return msg
	}
	if env.Message != "" {
		return env.Message
	}
	return rawText(env.Error)
}

func collapseErrors(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return rawText(raw)
	}
	var parts []string
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			if s != "" {
				parts = append(parts, s)
			}
			continue
		}
		var fe fieldError
		if json.Unmarshal(item, &fe) == nil && fe.text() != "" {
			parts = append(parts, fe.text())
		}
	}
	return strings.Join(parts, ", ")
}

// rawText decodes a JSON value that is either a string or {"message": ...}.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Message
	}
	return ""
}
