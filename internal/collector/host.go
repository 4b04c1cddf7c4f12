package collector

import (
	"bufio"
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/statlink/internal/protocol"
)

const (
	procStatPath    = "/proc/stat"
	procMeminfoPath = "/proc/meminfo"
	procCpuinfoPath = "/proc/cpuinfo"
	hwmonGlob       = "/sys/class/hwmon/hwmon*"
)

// Sensor names that identify the CPU package temperature driver.
var cpuTempDrivers = map[string]bool{
	"coretemp":    true,
	"k10temp":     true,
	"zenpower":    true,
	"cpu_thermal": true,
}

// cpuReader samples CPU usage, temperature and fan speed. Usage is the
// busy share of the wall time since the previous sample, so the very first
// read reports zero.
type cpuReader struct {
	name     string
	tempPath string
	fanPath  string

	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

func newCPUReader() *cpuReader {
	r := &cpuReader{name: cpuModelName()}
	r.tempPath, r.fanPath = locateHwmonSensors()
	return r
}

func (r *cpuReader) read() protocol.CPUStats {
	stats := protocol.CPUStats{Name: r.name}

	stats.Usage = r.usage()
	stats.Temp = readMilliDegrees(r.tempPath)
	stats.Fan = readIntFile(r.fanPath)

	return stats
}

func (r *cpuReader) usage() int {
	data, err := os.ReadFile(procStatPath)
	if err != nil {
		return 0
	}
	idle, total, ok := parseProcStat(data)
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	usage := usageBetween(r.prevIdle, r.prevTotal, idle, total)
	r.prevIdle, r.prevTotal = idle, total

	return usage
}

// parseProcStat extracts the aggregate idle and total jiffies from the
// first "cpu " line of /proc/stat. Idle includes iowait.
func parseProcStat(data []byte) (idle, total uint64, ok bool) {
	line, _, _ := bytes.Cut(data, []byte("\n"))
	fields := strings.Fields(string(line))
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, false
	}

	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, false
		}
		total += v
		if i == 3 || i == 4 { // idle, iowait
			idle += v
		}
	}

	return idle, total, true
}

// usageBetween converts two /proc/stat samples to a busy percentage.
// Returns zero when there is no previous sample or the counters stalled.
func usageBetween(prevIdle, prevTotal, idle, total uint64) int {
	if prevTotal == 0 || total <= prevTotal || idle < prevIdle {
		return 0
	}

	totalDelta := total - prevTotal
	busyDelta := totalDelta - (idle - prevIdle)

	return int(math.Round(float64(busyDelta) / float64(totalDelta) * 100))
}

func cpuModelName() string {
	f, err := os.Open(procCpuinfoPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if found && strings.TrimSpace(key) == "model name" {
			return strings.TrimSpace(value)
		}
	}

	return ""
}

// locateHwmonSensors finds the CPU temperature input and the first fan
// tachometer under /sys/class/hwmon. Either may come back empty.
func locateHwmonSensors() (tempPath, fanPath string) {
	dirs, _ := filepath.Glob(hwmonGlob)
	for _, dir := range dirs {
		name, err := os.ReadFile(filepath.Join(dir, "name"))
		if err != nil {
			continue
		}

		if tempPath == "" && cpuTempDrivers[strings.TrimSpace(string(name))] {
			candidate := filepath.Join(dir, "temp1_input")
			if _, err := os.Stat(candidate); err == nil {
				tempPath = candidate
			}
		}
		if fanPath == "" {
			candidate := filepath.Join(dir, "fan1_input")
			if _, err := os.Stat(candidate); err == nil {
				fanPath = candidate
			}
		}
	}

	return tempPath, fanPath
}

func readMemory() protocol.MemoryStats {
	data, err := os.ReadFile(procMeminfoPath)
	if err != nil {
		return protocol.MemoryStats{}
	}

	return memoryFromMeminfo(data)
}

func memoryFromMeminfo(data []byte) protocol.MemoryStats {
	totalKB, availKB, ok := parseMeminfo(data)
	if !ok || totalKB == 0 {
		return protocol.MemoryStats{}
	}

	usedKB := totalKB - availKB

	return protocol.MemoryStats{
		Usage: int(math.Round(float64(usedKB) / float64(totalKB) * 100)),
		Used:  kbToGB(usedKB),
		Total: kbToGB(totalKB),
		Avail: kbToGB(availKB),
	}
}

func parseMeminfo(data []byte) (totalKB, availKB uint64, ok bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "MemTotal":
			totalKB = v
		case "MemAvailable":
			availKB = v
		}
	}

	return totalKB, availKB, totalKB > 0 && availKB <= totalKB
}

func kbToGB(kb uint64) float64 {
	return math.Round(float64(kb)/1024/1024*100) / 100
}

func readMilliDegrees(path string) int {
	return readIntFile(path) / 1000
}

func readIntFile(path string) int {
	if path == "" {
		return 0
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return v
}
