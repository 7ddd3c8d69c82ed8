// Package archive extracts uploaded ZIP archives into workload directories.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned when an archive entry would escape the
// destination directory.
var ErrUnsafePath = fmt.Errorf("archive entry escapes destination")

// ExtractZip unpacks the ZIP file at src into dst. Entries with absolute
// paths, parent-directory components, or paths that resolve outside dst are
// rejected and the whole extraction fails.
func ExtractZip(src, dst string) error {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer reader.Close()

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	root, err := filepath.Abs(dst)
	if err != nil {
		return err
	}

	for _, f := range reader.File {
		if err := extractEntry(f, root); err != nil {
			return fmt.Errorf("extract %q: %w", f.Name, err)
		}
	}
	return nil
}

func extractEntry(f *zip.File, root string) error {
	target, err := safeJoin(root, f.Name)
	if err != nil {
		return err
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	mode := f.Mode() & 0o777
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return err
	}
	return out.Close()
}

// safeJoin joins name onto root and verifies the result stays inside root.
func safeJoin(root, name string) (string, error) {
	if name == "" {
		return "", ErrUnsafePath
	}
	// ZIP names use forward slashes regardless of origin platform.
	clean := filepath.FromSlash(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(name, "/") {
		return "", ErrUnsafePath
	}
	for _, part := range strings.Split(filepath.ToSlash(clean), "/") {
		if part == ".." {
			return "", ErrUnsafePath
		}
	}
	target := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrUnsafePath
	}
	return target, nil
}
