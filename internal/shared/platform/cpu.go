package platform

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// ThrottleStats contains CPU throttling deltas from cgroup
type ThrottleStats struct {
	NrPeriods    uint64
	NrThrottled  uint64
	ThrottledSec float64
}

const cgroupRoot = "/sys/fs/cgroup"

// cgroupCPU measures CPU usage relative to the container's quota by reading
// cgroup accounting files directly.
type cgroupCPU struct {
	mu         sync.Mutex
	path       string
	version    int // 1 or 2
	allocation float64

	lastUsageUsec uint64
	lastSample    time.Time
	lastThrottle  ThrottleStats
}

func newCgroupCPU() (*cgroupCPU, error) {
	path, version, err := detectCgroup()
	if err != nil {
		return nil, err
	}

	quota, period, err := readQuota(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu quota: %w", err)
	}

	c := &cgroupCPU{path: path, version: version, lastSample: time.Now()}
	if quota > 0 && period > 0 {
		c.allocation = float64(quota) / float64(period)
	} else {
		c.allocation = float64(runtime.NumCPU())
	}

	if c.lastUsageUsec, err = readUsageUsec(path, version); err != nil {
		return nil, fmt.Errorf("read cpu usage: %w", err)
	}
	if t, err := readThrottle(path, version); err == nil {
		c.lastThrottle = t
	}
	return c, nil
}

// percent returns usage since the previous call as a percentage of the
// allocated CPUs (can exceed 100 briefly before throttling kicks in).
func (c *cgroupCPU) percent() (float64, ThrottleStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(c.lastSample).Microseconds()
	if elapsed <= 0 {
		return 0, ThrottleStats{}, errors.New("sample interval too small")
	}

	usage, err := readUsageUsec(c.path, c.version)
	if err != nil {
		return 0, ThrottleStats{}, err
	}

	raw := float64(usage-c.lastUsageUsec) / float64(elapsed) * 100
	pct := raw / c.allocation

	var delta ThrottleStats
	if t, err := readThrottle(c.path, c.version); err == nil {
		delta = ThrottleStats{
			NrPeriods:    t.NrPeriods - c.lastThrottle.NrPeriods,
			NrThrottled:  t.NrThrottled - c.lastThrottle.NrThrottled,
			ThrottledSec: t.ThrottledSec - c.lastThrottle.ThrottledSec,
		}
		c.lastThrottle = t
	}

	c.lastUsageUsec = usage
	c.lastSample = now
	return pct, delta, nil
}

// detectCgroup finds the cgroup directory of the current process.
func detectCgroup() (string, int, error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return cgroupRoot + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return cgroupRoot + "/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, errors.New("no cpu cgroup found")
}

func readQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		if quota, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	if quota, err = readInt(path + "/cpu.cfs_quota_us"); err != nil {
		return 0, 0, err
	}
	period, err = readInt(path + "/cpu.cfs_period_us")
	return quota, period, err
}

func readInt(file string) (int64, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// readKeyValues parses "key value" lines such as cgroup cpu.stat.
func readKeyValues(file string) (map[string]uint64, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]uint64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		if v, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
			values[fields[0]] = v
		}
	}
	return values, scanner.Err()
}

func readUsageUsec(path string, version int) (uint64, error) {
	if version == 2 {
		stats, err := readKeyValues(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		usage, ok := stats["usage_usec"]
		if !ok {
			return 0, errors.New("usage_usec not found in cpu.stat")
		}
		return usage, nil
	}

	nsec, err := readInt(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	return uint64(nsec) / 1000, nil
}

func readThrottle(path string, version int) (ThrottleStats, error) {
	stats, err := readKeyValues(path + "/cpu.stat")
	if err != nil {
		return ThrottleStats{}, err
	}
	t := ThrottleStats{
		NrPeriods:   stats["nr_periods"],
		NrThrottled: stats["nr_throttled"],
	}
	if version == 2 {
		t.ThrottledSec = float64(stats["throttled_usec"]) / 1e6
	} else {
		t.ThrottledSec = float64(stats["throttled_time"]) / 1e9
	}
	return t, nil
}

// CPUMonitor measures CPU usage, preferring container-aware cgroup accounting
// and falling back to host-wide gopsutil sampling.
type CPUMonitor struct {
	cgroup *cgroupCPU // nil in host mode
}

// NewCPUMonitor detects the cgroup setup and logs which mode is used.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	c, err := newCgroupCPU()
	if err != nil {
		logger.Warn().Err(err).Msg("Container CPU accounting unavailable, using host CPU")
		return &CPUMonitor{}
	}

	logger.Info().
		Int("cgroup_version", c.version).
		Float64("cpus_allocated", c.allocation).
		Str("cgroup_path", c.path).
		Msg("Using container-aware CPU measurement")
	return &CPUMonitor{cgroup: c}
}

// Percent returns current CPU usage. In container mode it is relative to the
// container allocation; in host mode it is host-wide.
func (m *CPUMonitor) Percent() (float64, ThrottleStats, error) {
	if m.cgroup != nil {
		return m.cgroup.percent()
	}
	pct, err := m.HostPercent()
	return pct, ThrottleStats{}, err
}

// HostPercent samples host-wide CPU usage over 100ms.
func (m *CPUMonitor) HostPercent() (float64, error) {
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, errors.New("no cpu data")
	}
	return pcts[0], nil
}

// Allocation returns the number of CPUs available to the process.
func (m *CPUMonitor) Allocation() float64 {
	if m.cgroup != nil {
		return m.cgroup.allocation
	}
	return float64(runtime.NumCPU())
}

// Mode returns "container" or "host".
func (m *CPUMonitor) Mode() string {
	if m.cgroup != nil {
		return "container"
	}
	return "host"
}
