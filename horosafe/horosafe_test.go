package horosafe

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestSafePath(t *testing.T) {
	base := filepath.Join("data", "artifacts")
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"navigator_export_3_layers.pdf", false},
		{"sub/layer.svg", false},
		{"../etc/passwd", true},
		{"a/../../b", true},
	}
	for _, tt := range tests {
		got, err := SafePath(base, tt.name)
		if tt.wantErr {
			if !errors.Is(err, ErrPathTraversal) {
				t.Errorf("SafePath(%q): got err %v, want ErrPathTraversal", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("SafePath(%q): unexpected error %v", tt.name, err)
			continue
		}
		if !strings.HasPrefix(got, filepath.Clean(base)) {
			t.Errorf("SafePath(%q) = %q, escapes base", tt.name, got)
		}
	}
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"frame-1", "svg_export.0", "ABC"}
	for _, s := range valid {
		if err := ValidateIdentifier(s); err != nil {
			t.Errorf("ValidateIdentifier(%q): %v", s, err)
		}
	}
	invalid := []string{"", "..", "a b", "a/b", "<iframe>", strings.Repeat("x", 257)}
	for _, s := range invalid {
		if err := ValidateIdentifier(s); err == nil {
			t.Errorf("ValidateIdentifier(%q): expected error", s)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("LimitedReadAll at limit: got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("LimitedReadAll over limit: got %v, want ErrTooLarge", err)
	}
}
