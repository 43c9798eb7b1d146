// Package secrets keeps credentials out of agent environments and out of any
// text that is logged or shown to users.
package secrets

import (
	"regexp"
	"strings"
)

// Redacted replaces any value judged to be a secret
const Redacted = "[REDACTED]"

var sensitiveSuffixes = []string{
	"_TOKEN",
	"_KEY",
	"_SECRET",
	"_PASSWORD",
	"_PASSWD",
	"_CREDENTIALS",
}

var sensitiveWords = []string{"TOKEN", "SECRET", "PASSWORD", "APIKEY", "API_KEY"}

// IsSensitiveName reports whether a variable or field name looks like it
// holds a credential.
func IsSensitiveName(name string) bool {
	up := strings.ToUpper(name)
	for _, s := range sensitiveSuffixes {
		if strings.HasSuffix(up, s) {
			return true
		}
	}
	for _, w := range sensitiveWords {
		if strings.Contains(up, w) {
			return true
		}
	}
	return false
}

// SanitizeEnv returns a copy of env without CLAUDE* variables (which would
// make the child believe it is nested inside another session) and without
// credential-shaped variables. Names listed in allow are kept regardless.
func SanitizeEnv(env []string, allow []string) []string {
	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}

	out := make([]string, 0, len(env))
	for _, kv := range env {
		name, _, _ := strings.Cut(kv, "=")
		if allowed[name] {
			out = append(out, kv)
			continue
		}
		if strings.HasPrefix(name, "CLAUDE") || IsSensitiveName(name) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

var (
	assignmentPattern = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|PASSWD|API_?KEY|CREDENTIALS?)[A-Z0-9_]*)("?\s*[=:]\s*)("[^"]*"|'[^']*'|\S+)`)
	bearerPattern     = regexp.MustCompile(`(?i)\b(Bearer|Basic)\s+[A-Za-z0-9._~+/=-]{8,}`)
	tokenPatterns     = []*regexp.Regexp{
		regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`),
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`),
		regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_-]{35}\b`),
	}
)

// Redact masks credential assignments and well-known token formats in text.
func Redact(text string) string {
	if text == "" {
		return text
	}
	text = assignmentPattern.ReplaceAllString(text, "${1}${2}"+Redacted)
	text = bearerPattern.ReplaceAllString(text, "${1} "+Redacted)
	for _, p := range tokenPatterns {
		text = p.ReplaceAllString(text, Redacted)
	}
	return text
}

// RedactFields returns a copy of m with sensitive keys masked, recursing
// into nested maps.
func RedactFields(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveName(k) {
			out[k] = Redacted
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			out[k] = RedactFields(t)
		case string:
			out[k] = Redact(t)
		default:
			out[k] = v
		}
	}
	return out
}
