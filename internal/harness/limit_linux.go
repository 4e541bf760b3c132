//go:build linux

package harness

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// LimitMemory caps the address space of the calling process at its current
// size plus limit. Past the cap the runtime cannot map more heap and the
// process dies with an out of memory error. limit uses GOMEMLIMIT syntax
// ("512MiB"); an empty limit leaves the process uncapped.
func LimitMemory(limit string) error {
	if limit == "" {
		return nil
	}
	budget, err := humanize.ParseBytes(limit)
	if err != nil {
		return fmt.Errorf("invalid memory limit %q: %w", limit, err)
	}
	if budget == 0 {
		return fmt.Errorf("invalid memory limit %q: must be positive", limit)
	}

	used, err := addressSpace()
	if err != nil {
		return err
	}

	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_AS, &rl); err != nil {
		return fmt.Errorf("failed to read address space limit: %w", err)
	}
	capped := used + budget
	if rl.Max != unix.RLIM_INFINITY && capped > rl.Max {
		capped = rl.Max
	}
	rl.Cur, rl.Max = capped, capped
	if err := unix.Setrlimit(unix.RLIMIT_AS, &rl); err != nil {
		return fmt.Errorf("failed to set address space limit: %w", err)
	}
	return nil
}

// addressSpace returns the virtual size of the calling process in bytes.
func addressSpace() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, fmt.Errorf("failed to read process size: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected /proc/self/statm content %q", data)
	}
	pages, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse process size: %w", err)
	}
	return pages * uint64(unix.Getpagesize()), nil
}
