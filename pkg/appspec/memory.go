package appspec

import (
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
)

// ParseMemory converts a max_memory_restart value like "200M", "1G" or
// "512K" to bytes. Suffixes are binary multiples, so "200M" is
// 200*1024*1024. Bare numbers are bytes.
func ParseMemory(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	size, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, errors.NewConfigError("invalid max_memory_restart value", err).WithContext("value", value)
	}
	if size <= 0 {
		return 0, errors.NewConfigError("max_memory_restart must be positive", nil).WithContext("value", value)
	}
	return size, nil
}

// FormatMemory renders a byte count for logs and status output.
func FormatMemory(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}
