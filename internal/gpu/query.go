package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const queryTimeout = 10 * time.Second

// QueryNvidiaSMI reads GPU inventory from the nvidia-smi tool. A missing
// tool or malformed output surfaces as an error; the allocator maps that
// to no-capacity.
func QueryNvidiaSMI() ([]Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,memory.total,memory.used",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseCSV(string(out))
}

func parseCSV(out string) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed gpu line %q", line)
		}
		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("malformed gpu index %q", fields[0])
		}
		total, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("malformed gpu total %q", fields[1])
		}
		used, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("malformed gpu used %q", fields[2])
		}
		devices = append(devices, Device{Index: index, TotalMiB: total, UsedMiB: used})
	}
	return devices, nil
}
