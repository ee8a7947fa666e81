//go:build linux

package platform

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// usageSample is the previous CPU reading, needed to turn
// Getrusage's cumulative counters into a 0..1 fraction of one core over
// the interval since the last call, rather than since process start.
var (
	usageMu      sync.Mutex
	lastSampleAt time.Time
	lastCPUSecs  float64
)

func readUsage() (cpu, mem float64, reported bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, 0, false
	}
	cpuSecs := float64(ru.Utime.Sec) + float64(ru.Utime.Usec)/1e6 +
		float64(ru.Stime.Sec) + float64(ru.Stime.Usec)/1e6

	now := time.Now()
	usageMu.Lock()
	prevAt, prevCPU := lastSampleAt, lastCPUSecs
	lastSampleAt, lastCPUSecs = now, cpuSecs
	usageMu.Unlock()

	if prevAt.IsZero() {
		return 0, memFraction(), true
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0, memFraction(), true
	}
	cpu = (cpuSecs - prevCPU) / elapsed
	if cpu < 0 {
		cpu = 0
	}
	return cpu, memFraction(), true
}

// memFraction reads /proc/self/status VmRSS and /proc/meminfo MemTotal
// to report resident memory as a fraction of total system memory.
func memFraction() float64 {
	rss, ok := readProcKB("/proc/self/status", "VmRSS:")
	if !ok {
		return 0
	}
	total, ok := readProcKB("/proc/meminfo", "MemTotal:")
	if !ok || total == 0 {
		return 0
	}
	return float64(rss) / float64(total)
}

func readProcKB(path, prefix string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return kb, true
	}
	return 0, false
}
