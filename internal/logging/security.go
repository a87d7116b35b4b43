// Coglet - Prediction Runtime for ML Models
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/coglet-go

package logging

import (
	"net/url"
	"strings"
)

// Sanitization helpers for values that may carry secrets: webhook URLs
// (query-string tokens, basic-auth userinfo), bearer tokens from
// WEBHOOK_AUTH_TOKEN, and error strings bubbled up from HTTP clients.
// Log call sites must pass such values through these before emitting.

// SanitizeToken masks a token, showing only first and last 4 characters.
// Example: "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9" -> "eyJh...VCJ9"
func SanitizeToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// sensitiveQueryParams are query keys whose values are masked when a URL
// is sanitized for logging.
var sensitiveQueryParams = map[string]bool{
	"token":         true,
	"access_token":  true,
	"api_key":       true,
	"apikey":        true,
	"key":           true,
	"secret":        true,
	"signature":     true,
	"sig":           true,
	"authorization": true,
}

// SanitizeURL renders a URL safe for logging: basic-auth userinfo is
// removed and sensitive query parameter values are masked. Unparseable
// input is fully masked rather than passed through.
func SanitizeURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}

	if u.User != nil {
		u.User = url.User("***")
	}

	q := u.Query()
	changed := false
	for key := range q {
		if sensitiveQueryParams[strings.ToLower(key)] {
			q.Set(key, "***")
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// SanitizeError removes potentially sensitive information from error
// messages before they reach logs or webhook payloads.
func SanitizeError(err string) string {
	sensitivePatterns := []string{
		"password",
		"secret",
		"token",
		"bearer",
		"authorization",
		"cookie",
	}

	lowerErr := strings.ToLower(err)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerErr, pattern) {
			return "redacted error (possible credential material)"
		}
	}

	return truncateString(err, 200)
}

// SanitizeValue sanitizes a value based on its key name.
func SanitizeValue(key, value string) string {
	sensitiveKeys := map[string]bool{
		"access_token":  true,
		"token":         true,
		"password":      true,
		"secret":        true,
		"api_key":       true,
		"apikey":        true,
		"authorization": true,
		"bearer":        true,
		"cookie":        true,
	}

	if sensitiveKeys[strings.ToLower(key)] {
		return SanitizeToken(value)
	}
	return value
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
