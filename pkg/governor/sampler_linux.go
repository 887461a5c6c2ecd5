//go:build linux

package governor

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/pipforge/pipforge/pkg/contracts"
)

// linuxCollector implements contracts.PerformanceCollector by reading
// /proc/stat and unix.Sysinfo.
type linuxCollector struct {
	prevCPUTotal   uint64
	prevCPUIdle    uint64
	prevContextSw  uint64
	prevSampleTime time.Time
}

// NewLinuxCollector constructs a PerformanceCollector sampling this host.
func NewLinuxCollector() contracts.PerformanceCollector {
	return &linuxCollector{}
}

func (c *linuxCollector) Sample(ctx context.Context) (contracts.PerformanceSample, error) {
	var sample contracts.PerformanceSample
	sample.Cores = runtime.NumCPU()

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return sample, errors.Wrap(err, "sysinfo")
	}
	totalRAM := uint64(info.Totalram) * uint64(info.Unit)
	freeRAM := uint64(info.Freeram) * uint64(info.Unit)
	bufferedRAM := uint64(info.Bufferram) * uint64(info.Unit)
	if totalRAM > 0 {
		used := totalRAM - freeRAM - bufferedRAM
		sample.RAMPercent = float64(used) / float64(totalRAM) * 100
		sample.EffectiveRAMPercent = sample.RAMPercent
	}
	totalSwap := uint64(info.Totalswap) * uint64(info.Unit)
	freeSwap := uint64(info.Freeswap) * uint64(info.Unit)
	commitLimit := totalRAM + totalSwap
	sample.CommitLimitBytes = int64(commitLimit)
	if commitLimit > 0 {
		usedCommit := commitLimit - freeRAM - freeSwap
		sample.CommitPercent = float64(usedCommit) / float64(commitLimit) * 100
	}

	cpuTotal, cpuIdle, err := readProcStatCPU()
	if err != nil {
		return sample, err
	}
	contextSwitches, err := readProcStatContextSwitches()
	if err != nil {
		return sample, err
	}

	now := time.Now()
	if !c.prevSampleTime.IsZero() && cpuTotal > c.prevCPUTotal {
		deltaTotal := cpuTotal - c.prevCPUTotal
		deltaIdle := cpuIdle - c.prevCPUIdle
		sample.CPUPercent = (1 - float64(deltaIdle)/float64(deltaTotal)) * 100
		elapsed := now.Sub(c.prevSampleTime).Seconds()
		if elapsed > 0 && contextSwitches >= c.prevContextSw {
			sample.ContextSwitchesPerSec = float64(contextSwitches-c.prevContextSw) / elapsed
		}
	}
	c.prevCPUTotal, c.prevCPUIdle, c.prevContextSw, c.prevSampleTime = cpuTotal, cpuIdle, contextSwitches, now

	return sample, nil
}

// readProcStatCPU sums the aggregate "cpu" line of /proc/stat into total and
// idle jiffy counts.
func readProcStatCPU() (total, idle uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, errors.Wrap(err, "open /proc/stat")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 || fields[0] != "cpu" {
			continue
		}
		for i, field := range fields[1:] {
			value, convErr := strconv.ParseUint(field, 10, 64)
			if convErr != nil {
				continue
			}
			total += value
			if i == 3 { // idle is the fourth field after "cpu"
				idle = value
			}
		}
		return total, idle, nil
	}
	return 0, 0, errors.New("proc/stat: no aggregate cpu line")
}

// readProcStatContextSwitches reads the "ctxt" counter from /proc/stat.
func readProcStatContextSwitches() (uint64, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, errors.Wrap(err, "open /proc/stat")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "ctxt" {
			value, err := strconv.ParseUint(fields[1], 10, 64)
			return value, err
		}
	}
	return 0, nil
}
