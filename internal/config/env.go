package config

import (
	"os"
	"strconv"
)

// envString returns the environment variable named key, or fallback if it is
// unset or empty. Config loading only ever needs this for CUSTODY_ENV, but it
// is kept general in case a future section wants it before viper takes over.
func envString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// envInt parses key as an int, falling back on an unset, empty, or
// unparseable value.
func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envUint64 parses key as a uint64, falling back on an unset, empty, or
// unparseable value.
func envUint64(key string, fallback uint64) uint64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
