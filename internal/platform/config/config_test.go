package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv_fallback(t *testing.T) {
	t.Setenv("MS_TEST_STR", "")
	if got := GetEnv("MS_TEST_STR", "dflt"); got != "dflt" {
		t.Errorf("expected fallback, got %q", got)
	}
	t.Setenv("MS_TEST_STR", "value")
	if got := GetEnv("MS_TEST_STR", "dflt"); got != "value" {
		t.Errorf("expected value, got %q", got)
	}
}

func TestGetEnvInt_invalid(t *testing.T) {
	t.Setenv("MS_TEST_INT", "abc")
	if got := GetEnvInt("MS_TEST_INT", 7); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	t.Setenv("MS_TEST_INT", "12")
	if got := GetEnvInt("MS_TEST_INT", 7); got != 12 {
		t.Errorf("expected 12, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 3 * time.Second},
		{"5", 5 * time.Second},
		{"250ms", 250 * time.Millisecond},
		{"30m", 30 * time.Minute},
		{"-1s", 3 * time.Second},
		{"0", 3 * time.Second},
		{"soon", 3 * time.Second},
	}
	for _, tc := range cases {
		t.Setenv("MS_TEST_DUR", tc.in)
		if got := GetEnvDuration("MS_TEST_DUR", 3*time.Second); got != tc.want {
			t.Errorf("GetEnvDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestGetEnvBool(t *testing.T) {
	cases := map[string]bool{
		"":      true,
		"false": false,
		"0":     false,
		"no":    false,
		"YES":   true,
		"on":    true,
		"maybe": true,
	}
	for in, want := range cases {
		t.Setenv("MS_TEST_BOOL", in)
		if got := GetEnvBool("MS_TEST_BOOL", true); got != want {
			t.Errorf("GetEnvBool(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestGetEnvList(t *testing.T) {
	t.Setenv("MS_TEST_LIST", " stun:a:1, ,stun:b:2 ")
	got := GetEnvList("MS_TEST_LIST", nil)
	if len(got) != 2 || got[0] != "stun:a:1" || got[1] != "stun:b:2" {
		t.Errorf("unexpected list %v", got)
	}
	t.Setenv("MS_TEST_LIST", " , ")
	if got := GetEnvList("MS_TEST_LIST", []string{"x"}); len(got) != 1 || got[0] != "x" {
		t.Errorf("expected fallback, got %v", got)
	}
}

func TestLoad_from_file(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	if err := os.WriteFile(path, []byte("MS_TEST_DOTENV=loaded\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MS_TEST_DOTENV", "")
	os.Unsetenv("MS_TEST_DOTENV")
	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("MS_TEST_DOTENV"); got != "loaded" {
		t.Errorf("expected loaded, got %q", got)
	}
}
