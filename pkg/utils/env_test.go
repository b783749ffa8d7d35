package utils

import (
	"os"
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	const key = "UTIL_TEST_STRING"
	_ = os.Unsetenv(key)
	if got := EnvOrDefault(key, "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	_ = os.Setenv(key, "value")
	if got := EnvOrDefault(key, "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestEnvOrDefaultInt(t *testing.T) {
	const key = "UTIL_TEST_INT"
	_ = os.Unsetenv(key)
	if got := EnvOrDefaultInt(key, 10); got != 10 {
		t.Fatalf("expected 10, got %d", got)
	}
	_ = os.Setenv(key, "5")
	if got := EnvOrDefaultInt(key, 10); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	_ = os.Setenv(key, "bad")
	if got := EnvOrDefaultInt(key, 7); got != 7 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestEnvOrDefaultUint64(t *testing.T) {
	const key = "UTIL_TEST_UINT64"
	_ = os.Unsetenv(key)
	if got := EnvOrDefaultUint64(key, 99); got != 99 {
		t.Fatalf("expected 99, got %d", got)
	}
	_ = os.Setenv(key, "42")
	if got := EnvOrDefaultUint64(key, 99); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	_ = os.Setenv(key, "bad")
	if got := EnvOrDefaultUint64(key, 77); got != 77 {
		t.Fatalf("expected fallback on parse error, got %d", got)
	}
}

func TestEnvOrDefaultBool(t *testing.T) {
	const key = "UTIL_TEST_BOOL"
	_ = os.Unsetenv(key)
	if got := EnvOrDefaultBool(key, false); got != false {
		t.Fatalf("expected false, got %v", got)
	}
	_ = os.Setenv(key, "true")
	if got := EnvOrDefaultBool(key, false); got != true {
		t.Fatalf("expected true, got %v", got)
	}
	_ = os.Setenv(key, "not-a-bool")
	if got := EnvOrDefaultBool(key, true); got != true {
		t.Fatalf("expected fallback on parse error, got %v", got)
	}
}

func TestEnvOrDefaultDuration(t *testing.T) {
	const key = "UTIL_TEST_DURATION"
	_ = os.Unsetenv(key)
	if got := EnvOrDefaultDuration(key, 30*time.Second); got != 30*time.Second {
		t.Fatalf("expected 30s, got %s", got)
	}
	_ = os.Setenv(key, "10")
	if got := EnvOrDefaultDuration(key, 30*time.Second); got != 10*time.Second {
		t.Fatalf("expected 10s, got %s", got)
	}
}

func TestEnvOrDefaultCSV(t *testing.T) {
	const key = "UTIL_TEST_CSV"
	_ = os.Unsetenv(key)
	fallback := []string{"a:1", "b:2"}
	got := EnvOrDefaultCSV(key, fallback)
	if len(got) != 2 || got[0] != "a:1" {
		t.Fatalf("expected fallback, got %v", got)
	}
	_ = os.Setenv(key, "host1:1 , host2:2,host3:3")
	got = EnvOrDefaultCSV(key, fallback)
	want := []string{"host1:1", "host2:2", "host3:3"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
