package config

import (
	"os"
	"strings"
)

// EnvBool reads a boolean flag from the environment.
//
// Accepted truthy values: 1, true, yes, y, on. Falsy: 0, false, no, n, off.
// Anything else returns def.
func EnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

// ImportJobPushEnabled gates the Pub/Sub push endpoint for batch import jobs.
//
// Set via env:
// - ENABLE_IMPORT_JOB_PUSH_ENDPOINT=false
func ImportJobPushEnabled() bool {
	return EnvBool("ENABLE_IMPORT_JOB_PUSH_ENDPOINT", true)
}
