package audit

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Redacted replaces sensitive values.
const Redacted = "[REDACTED]"

// sensitiveWords are matched against whole words of a key, so "auth_token"
// and "clientSecret" are sensitive while "author" and "passenger_count" are not.
var sensitiveWords = map[string]bool{
	"pass":          true,
	"passwd":        true,
	"password":      true,
	"pwd":           true,
	"secret":        true,
	"token":         true,
	"apikey":        true,
	"credential":    true,
	"credentials":   true,
	"auth":          true,
	"authorization": true,
}

var (
	// key=value and key: value pairs inside free text (DSNs, error messages).
	sensitivePair = regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api[_-]?key)("?\s*[=:]\s*)('[^']*'|"[^"]*"|[^\s&;,]+)`)

	// user:password@ in connection URLs.
	urlCredentials = regexp.MustCompile(`(://[^:/@\s]+:)[^@\s]+@`)
)

// IsSensitiveKey reports whether values stored under key must not be recorded.
// The key is split into words at separators and camelCase boundaries; it is
// sensitive when one word, or an "api" "key" pair, is a credential name.
func IsSensitiveKey(key string) bool {
	words := keyWords(key)

	for i, w := range words {
		if sensitiveWords[w] {
			return true
		}

		if w == "api" && i+1 < len(words) && words[i+1] == "key" {
			return true
		}
	}

	return false
}

// keyWords lower-cases key and splits it into words: "X-Api-Key" and
// "APIKey" both give [api key] after the prefix.
func keyWords(key string) []string {
	var (
		words []string
		word  []rune
	)

	flush := func() {
		if len(word) > 0 {
			words = append(words, string(word))
			word = word[:0]
		}
	}

	runes := []rune(key)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()

			continue
		}

		if unicode.IsUpper(r) && len(word) > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}

		word = append(word, unicode.ToLower(r))
	}

	flush()

	return words
}

// Redact returns a deep copy of fields with sensitive values replaced.
//
// Keys are matched case-insensitively against IsSensitiveKey at every depth.
// String values holding a JSON object or array are decoded, redacted and
// re-encoded, so raw record payloads are covered too.
func Redact(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}

	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsSensitiveKey(k) {
			out[k] = Redacted

			continue
		}

		out[k] = redactValue(v)
	}

	return out
}

// RedactString masks credentials embedded in free text.
func RedactString(s string) string {
	if trimmed := strings.TrimSpace(s); looksLikeJSON(trimmed) {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			if encoded, err := json.Marshal(redactValue(decoded)); err == nil {
				return string(encoded)
			}
		}
	}

	s = urlCredentials.ReplaceAllString(s, "${1}"+Redacted+"@")

	return sensitivePair.ReplaceAllString(s, "${1}${2}"+Redacted)
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return Redact(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}

		return Redact(m)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = redactValue(item)
		}

		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = RedactString(item)
		}

		return out
	case string:
		return RedactString(val)
	case []byte:
		return RedactString(string(val))
	case error:
		return RedactString(val.Error())
	default:
		return v
	}
}

func looksLikeJSON(s string) bool {
	return len(s) >= 2 && (s[0] == '{' && s[len(s)-1] == '}' || s[0] == '[' && s[len(s)-1] == ']')
}
