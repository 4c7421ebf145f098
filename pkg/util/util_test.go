package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	tests := []struct {
		name string
		in   os.FileMode
		want os.FileMode
	}{
		{"read-only file gains write bit", 0444, 0644},
		{"writable file unchanged", 0644, 0644},
		{"read-only dir gains write bit", 0555, 0755},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithUserWritePermission(tt.in); got != tt.want {
				t.Errorf("WithUserWritePermission(%o) = %o, want %o", tt.in, got, tt.want)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory available: %v", err)
	}

	got, err := ExpandPath("~/data")
	if err != nil {
		t.Fatalf("ExpandPath returned error: %v", err)
	}
	if want := filepath.Join(home, "data"); got != want {
		t.Errorf("ExpandPath(~/data) = %q, want %q", got, want)
	}

	got, err = ExpandPath("/absolute/path")
	if err != nil {
		t.Fatalf("ExpandPath returned error: %v", err)
	}
	if got != "/absolute/path" {
		t.Errorf("ExpandPath should leave plain paths alone, got %q", got)
	}
}

func TestIsSubPath(t *testing.T) {
	tests := []struct {
		parent, child string
		want          bool
	}{
		{"/a/b", "/a/b/c", true},
		{"/a/b", "/a/b", true},
		{"/a/b", "/a", false},
		{"/a/b", "/a/bc", false},
		{"/a/b", "/x/y", false},
	}
	for _, tt := range tests {
		if got := IsSubPath(tt.parent, tt.child); got != tt.want {
			t.Errorf("IsSubPath(%q, %q) = %v, want %v", tt.parent, tt.child, got, tt.want)
		}
	}
}
