//go:build linux

package stats

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
)

type cpuTimes struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

// Collector samples resources for the node serving storePath. CPU usage
// is computed between consecutive samples, so the first Get reports 0.
type Collector struct {
	storePath string

	mu      sync.Mutex
	lastCPU cpuTimes
	sampled bool
}

func NewCollector(storePath string) *Collector {
	return &Collector{storePath: storePath}
}

// Get returns a fresh resource sample.
func (c *Collector) Get() *Stats {
	s := &Stats{}
	s.MemoryPercent, s.MemoryUsedGB, s.MemoryTotalGB = memoryStats()
	s.CPUPercent = c.cpuStats()
	s.StorePercent, s.StoreUsedGB, s.StoreTotalGB = diskStats(c.storePath)
	return s
}

func memoryStats() (percent, usedGB, totalGB float64) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, 0
	}
	defer file.Close()

	var memTotal, memAvailable uint64
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			memTotal = value
		case "MemAvailable:":
			memAvailable = value
		}
	}
	if memTotal == 0 {
		return 0, 0, 0
	}

	// /proc/meminfo values are in kB
	totalGB = float64(memTotal) / 1024 / 1024
	usedGB = float64(memTotal-memAvailable) / 1024 / 1024
	percent = (float64(memTotal-memAvailable) / float64(memTotal)) * 100
	return percent, usedGB, totalGB
}

func (c *Collector) cpuStats() float64 {
	current, ok := readCPUTimes()
	if !ok {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sampled {
		c.lastCPU = current
		c.sampled = true
		return 0
	}

	prev := c.lastCPU
	c.lastCPU = current

	prevTotal := prev.user + prev.nice + prev.system + prev.idle +
		prev.iowait + prev.irq + prev.softirq + prev.steal
	currTotal := current.user + current.nice + current.system + current.idle +
		current.iowait + current.irq + current.softirq + current.steal
	totalDelta := float64(currTotal - prevTotal)
	if totalDelta == 0 {
		return 0
	}
	idleDelta := float64((current.idle + current.iowait) - (prev.idle + prev.iowait))
	return ((totalDelta - idleDelta) / totalDelta) * 100
}

func readCPUTimes() (cpuTimes, bool) {
	file, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTimes{}, false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 8 {
			return cpuTimes{}, false
		}
		t := cpuTimes{
			user:    parseUint(fields[1]),
			nice:    parseUint(fields[2]),
			system:  parseUint(fields[3]),
			idle:    parseUint(fields[4]),
			iowait:  parseUint(fields[5]),
			irq:     parseUint(fields[6]),
			softirq: parseUint(fields[7]),
		}
		if len(fields) > 8 {
			t.steal = parseUint(fields[8])
		}
		return t, true
	}
	return cpuTimes{}, false
}

func diskStats(path string) (percent, usedGB, totalGB float64) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes := totalBytes - freeBytes

	totalGB = float64(totalBytes) / 1024 / 1024 / 1024
	usedGB = float64(usedBytes) / 1024 / 1024 / 1024
	if totalBytes > 0 {
		percent = (float64(usedBytes) / float64(totalBytes)) * 100
	}
	return percent, usedGB, totalGB
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
