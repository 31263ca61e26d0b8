package config

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DetectDeviceResources reports the CPU count and total memory in MB, used to
// pick the constrained device profile. Memory is 0 when /proc/meminfo is not
// readable.
func DetectDeviceResources() (cpus, memMB int) {
	cpus = runtime.NumCPU()

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return cpus, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			break
		}
		return cpus, kb / 1024
	}
	return cpus, 0
}
