package collector

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cpuTimes holds jiffies for each CPU state.
type cpuTimes struct {
	user    uint64
	nice    uint64
	system  uint64
	idle    uint64
	iowait  uint64
	irq     uint64
	softirq uint64
	steal   uint64
}

func (t cpuTimes) total() uint64 {
	return t.user + t.nice + t.system + t.idle + t.iowait + t.irq + t.softirq + t.steal
}

// idleAll counts iowait as idle: the CPU was free to run other work.
func (t cpuTimes) idleAll() uint64 {
	return t.idle + t.iowait
}

// readProcStat parses the aggregate "cpu" line of /proc/stat.
func (s *Sampler) readProcStat() (cpuTimes, error) {
	f, err := os.Open(filepath.Join(s.procRoot, "stat"))
	if err != nil {
		return cpuTimes{}, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 5 && fields[0] == "cpu" {
			return parseCPULine(fields), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return cpuTimes{}, err
	}
	return cpuTimes{}, fmt.Errorf("no aggregate cpu line in %s", f.Name())
}

func parseCPULine(fields []string) cpuTimes {
	parse := func(idx int) uint64 {
		if idx >= len(fields) {
			return 0
		}
		v, _ := strconv.ParseUint(fields[idx], 10, 64)
		return v
	}
	return cpuTimes{
		user:    parse(1),
		nice:    parse(2),
		system:  parse(3),
		idle:    parse(4),
		iowait:  parse(5),
		irq:     parse(6),
		softirq: parse(7),
		steal:   parse(8),
	}
}

// readLoadAvg returns the 1-minute load average, 0 when unreadable.
func (s *Sampler) readLoadAvg() float64 {
	data, err := os.ReadFile(filepath.Join(s.procRoot, "loadavg"))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0
	}
	la1, _ := strconv.ParseFloat(fields[0], 64)
	return la1
}
