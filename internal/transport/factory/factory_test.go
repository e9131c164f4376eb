package factory

import (
	"testing"
)

func TestBuildDispatch(t *testing.T) {
	cases := []struct {
		dsn  string
		name string
	}{
		{"", "noop"},
		{"noop://", "noop"},
		{"http://127.0.0.1:8787", "http"},
		{"https://monitoring.example.com", "http"},
	}
	for _, tc := range cases {
		tr, err := Build(tc.dsn, "")
		if err != nil {
			t.Fatalf("Build(%q): %v", tc.dsn, err)
		}
		if tr.Name() != tc.name {
			t.Fatalf("Build(%q).Name() = %q, want %q", tc.dsn, tr.Name(), tc.name)
		}
		_ = tr.Close()
	}
}

func TestBuildRejectsUnknownScheme(t *testing.T) {
	if _, err := Build("redis://localhost:6379", ""); err == nil {
		t.Fatalf("unknown scheme must be rejected")
	}
}

func TestNewDegradesToNoop(t *testing.T) {
	tr := New("redis://localhost:6379", "", nil)
	if tr.Name() != "noop" {
		t.Fatalf("construction failure must degrade to noop, got %q", tr.Name())
	}
}

func TestNewKeepsWorkingTransport(t *testing.T) {
	tr := New("http://127.0.0.1:8787", "tok", nil)
	if tr.Name() != "http" {
		t.Fatalf("valid DSN must not degrade, got %q", tr.Name())
	}
}
