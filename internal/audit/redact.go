package audit

import "regexp"

// RedactionMarker replaces every detected PII value
const RedactionMarker = "[REDACTED]"

var (
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailPattern = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
	phonePattern = regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?\(?\b\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b`)
)

// RedactString replaces PII-like substrings of s. The second result reports
// whether anything was replaced.
func RedactString(s string) (string, bool) {
	out := ssnPattern.ReplaceAllString(s, RedactionMarker)
	out = emailPattern.ReplaceAllString(out, RedactionMarker)
	out = cardPattern.ReplaceAllString(out, RedactionMarker)
	out = phonePattern.ReplaceAllString(out, RedactionMarker)
	return out, out != s
}

// Redact returns a deep copy of data with PII replaced in every string,
// including inside nested maps and slices. Redacting twice changes nothing.
func Redact(data map[string]interface{}) (map[string]interface{}, bool) {
	if data == nil {
		return nil, false
	}
	out, changed := redactValue(data)
	return out.(map[string]interface{}), changed
}

func redactValue(v interface{}) (interface{}, bool) {
	switch val := v.(type) {
	case string:
		return RedactString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		changed := false
		for k, item := range val {
			r, c := redactValue(item)
			out[k] = r
			changed = changed || c
		}
		return out, changed
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		changed := false
		for k, item := range val {
			r, c := RedactString(item)
			out[k] = r
			changed = changed || c
		}
		return out, changed
	case []interface{}:
		out := make([]interface{}, len(val))
		changed := false
		for i, item := range val {
			r, c := redactValue(item)
			out[i] = r
			changed = changed || c
		}
		return out, changed
	case []string:
		out := make([]interface{}, len(val))
		changed := false
		for i, item := range val {
			r, c := RedactString(item)
			out[i] = r
			changed = changed || c
		}
		return out, changed
	}
	return v, false
}
