package validation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateAndSanitize(t *testing.T) {
	v := NewFilePathValidator()
	tempDir := os.TempDir()

	tests := []struct {
		name     string
		path     string
		errorMsg string
	}{
		{name: "empty", path: "", errorMsg: "cannot be empty"},
		{name: "null byte", path: filepath.Join(tempDir, "a\x00b"), errorMsg: "null bytes"},
		{name: "control char", path: filepath.Join(tempDir, "a\x01b"), errorMsg: "control characters"},
		{name: "traversal", path: tempDir + "/../etc/passwd", errorMsg: "traversal"},
		{name: "relative", path: "feedtree.db", errorMsg: "relative paths not allowed"},
		{name: "outside base dirs", path: "/usr/share/feedtree.db", errorMsg: "not within allowed directories"},
		{name: "bad tilde", path: "~root/x", errorMsg: "tilde"},
		{name: "temp dir ok", path: filepath.Join(tempDir, "feedtree.db")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateAndSanitize(tt.path)
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("error = %v, want containing %q", err, tt.errorMsg)
			}
		})
	}
}

func TestHomeExpansion(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := NewPermissiveFilePathValidator().ValidateAndSanitize("~/scripts/tag.lua")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "scripts", "tag.lua"); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestValidateDirectory(t *testing.T) {
	v := NewPermissiveFilePathValidator()
	dir := filepath.Join(t.TempDir(), "index.bleve")

	if _, err := v.ValidateDirectory(dir, false); err != nil {
		t.Fatalf("missing dir without create: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("directory should not have been created")
	}
	if _, err := v.ValidateDirectory(dir, true); err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}

	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := v.ValidateDirectory(file, false); err == nil {
		t.Error("expected error for a regular file")
	}
}

func TestValidateScript(t *testing.T) {
	v := NewPermissiveFilePathValidator()
	dir := t.TempDir()

	script := filepath.Join(dir, "tag.lua")
	if err := os.WriteFile(script, []byte("function main(news) return 0 end\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	notLua := filepath.Join(dir, "tag.py")
	if err := os.WriteFile(notLua, []byte("def main(news): return 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got, err := v.ValidateScript("  " + script + " "); err != nil || got != script {
		t.Errorf("ValidateScript(valid) = %q, %v", got, err)
	}
	if _, err := v.ValidateScript(notLua); err == nil || !strings.Contains(err.Error(), "not a lua file") {
		t.Errorf("expected lua extension error, got %v", err)
	}
	if _, err := v.ValidateScript(filepath.Join(dir, "missing.lua")); err == nil {
		t.Error("expected error for missing script")
	}
	if _, err := v.ValidateScript(dir); err == nil {
		t.Error("expected error for a directory")
	}
}
