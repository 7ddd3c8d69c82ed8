// Package kind classifies uploaded workloads by inspecting their files.
package kind

import (
	"os"
	"path/filepath"
	"strings"
)

// Kind identifies how a workload is built and run.
type Kind string

const (
	// Source is a Python application launched in a virtualenv.
	Source Kind = "source"
	// ContainerBuild is a directory with a Dockerfile to build and run.
	ContainerBuild Kind = "container_build"
	// ContainerImageArchive is a saved container image tarball to load and run.
	ContainerImageArchive Kind = "container_image_archive"
	// Compose is a multi-container application driven by a compose file.
	Compose Kind = "compose"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Source, ContainerBuild, ContainerImageArchive, Compose:
		return true
	}
	return false
}

var composeFiles = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

// DetectUpload classifies an uploaded file by name before extraction.
// A .tar upload is a saved image archive; anything else is a ZIP whose
// extracted directory is classified by Detect.
func DetectUpload(filename string) (Kind, bool) {
	if strings.HasSuffix(strings.ToLower(filename), ".tar") {
		return ContainerImageArchive, true
	}
	return "", false
}

// Detect classifies an extracted workload directory. Precedence: a compose
// file beats a Dockerfile, a Dockerfile beats plain source.
func Detect(dir string) Kind {
	for _, name := range composeFiles {
		if fileExists(filepath.Join(dir, name)) {
			return Compose
		}
	}
	if fileExists(filepath.Join(dir, "Dockerfile")) {
		return ContainerBuild
	}
	return Source
}

// ComposeFile returns the path of the compose file inside dir, if any.
func ComposeFile(dir string) (string, bool) {
	for _, name := range composeFiles {
		p := filepath.Join(dir, name)
		if fileExists(p) {
			return p, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
