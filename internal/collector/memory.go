package collector

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// readMeminfo returns MemTotal and MemAvailable in bytes.
func (s *Sampler) readMeminfo() (total, available uint64, err error) {
	f, err := os.Open(filepath.Join(s.procRoot, "meminfo"))
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var free, buffers, cached uint64
	haveAvailable := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		valStr := strings.TrimSuffix(strings.TrimSpace(parts[1]), " kB")
		val, _ := strconv.ParseUint(strings.TrimSpace(valStr), 10, 64)
		valBytes := val * 1024

		switch key {
		case "MemTotal":
			total = valBytes
		case "MemAvailable":
			available = valBytes
			haveAvailable = true
		case "MemFree":
			free = valBytes
		case "Buffers":
			buffers = valBytes
		case "Cached":
			cached = valBytes
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	// Kernels before 3.14 have no MemAvailable.
	if !haveAvailable {
		available = free + buffers + cached
	}
	return total, available, nil
}
