// Package util contains small helpers shared across the gateway.
package util

import "strings"

// HideAPIKey masks a credential for logging, keeping only a short prefix.
// Secrets never appear in logs beyond their first 7 characters.
func HideAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 7 {
		return key + "..."
	}
	return key[:7] + "..."
}

// MaskSensitiveHeaderValue masks header values that may carry credentials.
// Non-sensitive headers pass through unchanged.
func MaskSensitiveHeaderValue(name, value string) string {
	switch strings.ToLower(name) {
	case "authorization", "x-goog-api-key", "x-api-key", "api-key", "cookie", "set-cookie":
		return HideAPIKey(value)
	}
	return value
}
