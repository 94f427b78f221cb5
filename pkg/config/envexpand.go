package config

import "os"

// ExpandEnv expands environment variables in raw config file content before
// it is parsed. Supports both ${VAR} and $VAR syntax (standard shell-style).
//
// Examples:
//   - ${WUHU_HTTP_PORT} → value of WUHU_HTTP_PORT environment variable
//   - ${DB_HOST}:${DB_PORT} → hostname:port with both variables expanded
//
// Missing variables expand to empty string. Validation should catch required
// fields that are empty.
func ExpandEnv(data []byte) []byte {
	expanded := os.ExpandEnv(string(data))
	return []byte(expanded)
}
