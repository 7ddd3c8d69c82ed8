package runtime

import (
	"archive/tar"
	"fmt"
	"io"
	"os"

	"github.com/tidwall/gjson"
)

// ArchiveTag reads manifest.json from a saved image tar and returns the
// first RepoTag, so the image can be retagged with the app id after load.
func ArchiveTag(tarPath string) (string, error) {
	f, err := os.Open(tarPath)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read archive: %w", err)
		}
		if hdr.Name != "manifest.json" {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return "", fmt.Errorf("read manifest: %w", err)
		}
		tag := gjson.GetBytes(data, "0.RepoTags.0")
		if !tag.Exists() || tag.String() == "" {
			return "", fmt.Errorf("archive manifest has no repo tag")
		}
		return tag.String(), nil
	}
	return "", fmt.Errorf("archive has no manifest.json")
}
