package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const maxErrorLen = 200

// SafeAttributes drops empty values and redacts anything that looks like a
// credential before it reaches a span.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Value.Type() == attribute.STRING {
			value := attr.Value.AsString()
			if strings.TrimSpace(value) == "" {
				continue
			}
			if containsSecret(value) {
				out = append(out, attribute.String(string(attr.Key), "[redacted]"))
				continue
			}
		}
		out = append(out, attr)
	}
	return out
}

// SafeError returns an error whose message is safe to record on a span:
// credentials redacted, length bounded.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if containsSecret(msg) {
		return errors.New("[redacted]")
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return errors.New(msg)
}

func containsSecret(value string) bool {
	lower := strings.ToLower(value)
	return strings.Contains(lower, "vx_live_key_") ||
		strings.Contains(lower, "bearer ") ||
		strings.Contains(lower, "password=")
}
