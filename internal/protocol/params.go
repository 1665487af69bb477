package protocol

import (
	"net/url"
	"sort"
)

// sensitiveParams are callback parameters whose values must never reach logs.
var sensitiveParams = map[string]bool{
	"code":          true,
	"state":         true,
	"access_token":  true,
	"id_token":      true,
	"refresh_token": true,
	"code_verifier": true,
}

// KeyValue represents a parsed URL parameter.
type KeyValue struct {
	Key   string
	Value string
}

// RedactedParams flattens query values into sorted key-value pairs,
// replacing sensitive values with "[redacted]". Empty values are kept as-is.
func RedactedParams(values url.Values) []KeyValue {
	if len(values) == 0 {
		return nil
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]KeyValue, 0, len(keys))
	for _, k := range keys {
		for _, v := range values[k] {
			if sensitiveParams[k] && v != "" {
				v = "[redacted]"
			}
			result = append(result, KeyValue{Key: k, Value: v})
		}
	}
	return result
}

// LogAttrs converts pairs into alternating slog key/value arguments.
func LogAttrs(kvs []KeyValue) []any {
	args := make([]any, 0, len(kvs)*2)
	for _, kv := range kvs {
		args = append(args, "param."+kv.Key, kv.Value)
	}
	return args
}
