package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func buildZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "upload.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractZip(t *testing.T) {
	src := buildZip(t, map[string]string{
		"app.py":           "print('hi')",
		"requirements.txt": "flask\n",
		"static/logo.svg":  "<svg/>",
	})
	dst := t.TempDir()

	if err := ExtractZip(src, dst); err != nil {
		t.Fatalf("ExtractZip: %v", err)
	}

	for _, name := range []string{"app.py", "requirements.txt", "static/logo.svg"} {
		if _, err := os.Stat(filepath.Join(dst, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	data, err := os.ReadFile(filepath.Join(dst, "app.py"))
	if err != nil || string(data) != "print('hi')" {
		t.Errorf("app.py content: %q, %v", data, err)
	}
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{"parent", "../evil.sh"},
		{"nested parent", "good/../../evil.sh"},
		{"absolute", "/etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := buildZip(t, map[string]string{tt.entry: "boom"})
			dst := t.TempDir()
			err := ExtractZip(src, dst)
			if !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("expected ErrUnsafePath, got %v", err)
			}
			outside := filepath.Join(filepath.Dir(dst), "evil.sh")
			if _, statErr := os.Stat(outside); statErr == nil {
				t.Error("traversal entry was written outside destination")
			}
		})
	}
}

func TestExtractZipBadArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notazip.zip")
	if err := os.WriteFile(path, []byte("not a zip"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ExtractZip(path, t.TempDir()); err == nil {
		t.Error("expected error for invalid archive")
	}
}
