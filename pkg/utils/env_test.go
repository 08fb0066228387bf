package utils

import (
	"os"
	"testing"
)

func TestEnvOrDefault(t *testing.T) {
	const key = "GNBGO_TEST_STRING"
	_ = os.Unsetenv(key)
	if got := EnvOrDefault(key, "fallback"); got != "fallback" {
		t.Fatalf("unset: got %q", got)
	}
	t.Setenv(key, "")
	if got := EnvOrDefault(key, "fallback"); got != "fallback" {
		t.Fatalf("empty: got %q", got)
	}
	t.Setenv(key, "value")
	if got := EnvOrDefault(key, "fallback"); got != "value" {
		t.Fatalf("set: got %q", got)
	}
}

func TestEnvOrDefaultInt(t *testing.T) {
	const key = "GNBGO_TEST_INT"
	_ = os.Unsetenv(key)
	if got := EnvOrDefaultInt(key, 10); got != 10 {
		t.Fatalf("unset: got %d", got)
	}
	t.Setenv(key, "5")
	if got := EnvOrDefaultInt(key, 10); got != 5 {
		t.Fatalf("set: got %d", got)
	}
	t.Setenv(key, "bad")
	if got := EnvOrDefaultInt(key, 7); got != 7 {
		t.Fatalf("unparseable: got %d", got)
	}
}

func TestEnvOrDefaultUint64(t *testing.T) {
	const key = "GNBGO_TEST_UINT64"
	_ = os.Unsetenv(key)
	if got := EnvOrDefaultUint64(key, 99); got != 99 {
		t.Fatalf("unset: got %d", got)
	}
	t.Setenv(key, "18446744073709551615")
	if got := EnvOrDefaultUint64(key, 99); got != 18446744073709551615 {
		t.Fatalf("set: got %d", got)
	}
	t.Setenv(key, "-1")
	if got := EnvOrDefaultUint64(key, 77); got != 77 {
		t.Fatalf("unparseable: got %d", got)
	}
}
