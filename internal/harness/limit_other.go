//go:build !linux

package harness

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// LimitMemory validates limit. Outside Linux no hard cap is applied and the
// child is held only by GOMEMLIMIT and the runner's timeout.
func LimitMemory(limit string) error {
	if limit == "" {
		return nil
	}
	if _, err := humanize.ParseBytes(limit); err != nil {
		return fmt.Errorf("invalid memory limit %q: %w", limit, err)
	}
	return nil
}
