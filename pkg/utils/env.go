package utils

import (
	"os"
	"strconv"
)

func GetEnvOrDefault(key, def string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return def
}

// EnvEnabled reports whether key is unset or parses to a non-zero
// integer. An unparsable value counts as zero.
func EnvEnabled(key string) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return true
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return false
	}
	return n != 0
}
