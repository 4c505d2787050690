package config

import (
	"os"
	"testing"
)

func TestEnvString(t *testing.T) {
	const key = "CONFIG_TEST_STRING"
	_ = os.Unsetenv(key)
	if got := envString(key, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	_ = os.Setenv(key, "value")
	defer os.Unsetenv(key)
	if got := envString(key, "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestEnvInt(t *testing.T) {
	const key = "CONFIG_TEST_INT"
	_ = os.Unsetenv(key)
	if got := envInt(key, 10); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	_ = os.Setenv(key, "5")
	defer os.Unsetenv(key)
	if got := envInt(key, 10); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	_ = os.Setenv(key, "not-a-number")
	if got := envInt(key, 7); got != 7 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestEnvUint64(t *testing.T) {
	const key = "CONFIG_TEST_UINT64"
	_ = os.Unsetenv(key)
	if got := envUint64(key, 99); got != 99 {
		t.Fatalf("expected 99, got %d", got)
	}
	_ = os.Setenv(key, "42")
	defer os.Unsetenv(key)
	if got := envUint64(key, 99); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	_ = os.Setenv(key, "not-a-number")
	if got := envUint64(key, 77); got != 77 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}
