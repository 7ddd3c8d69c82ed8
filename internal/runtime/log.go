package runtime

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// OpenLog returns the append writer for a workload's combined output.
// The log directory is created on demand; rotation keeps a single
// workload from filling the disk.
func OpenLog(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MiB
		MaxBackups: 3,
	}, nil
}
