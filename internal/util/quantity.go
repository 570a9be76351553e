package util

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseMemoryMiB converts a memory quantity such as "4G", "512Mi" or
// "2048" (plain MiB) to MiB. An empty string yields 0.
func ParseMemoryMiB(memory string) (int, error) {
	memory = strings.TrimSpace(memory)
	if memory == "" {
		return 0, nil
	}

	split := strings.IndexFunc(memory, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	number, unit := memory, ""
	if split >= 0 {
		number, unit = memory[:split], memory[split:]
	}

	value, err := strconv.ParseFloat(number, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid memory value: %s", memory)
	}

	switch strings.ToUpper(strings.TrimSpace(unit)) {
	case "", "M", "MB", "MI", "MIB":
		return int(value), nil
	case "K", "KB", "KI", "KIB":
		return int(value / 1024), nil
	case "G", "GB", "GI", "GIB":
		return int(value * 1024), nil
	case "T", "TB", "TI", "TIB":
		return int(value * 1024 * 1024), nil
	default:
		return 0, fmt.Errorf("unknown memory unit: %s", unit)
	}
}
