package utils

import "os"

// Env returns the value of the given env var, or def when unset or empty.
func Env(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
