package api

import (
	"regexp"
	"strconv"

	"gitlab.com/tozd/go/errors"
)

var sizePattern = regexp.MustCompile(`^([0-9]+)([KkMmGgTt]?)$`)

// ParseMemorySize parses a disk or memory size: a positive integer optionally
// followed by K, M, G or T (case-insensitive), denoting powers of 1024. A bare
// integer is a byte count.
func ParseMemorySize(s string) (int64, error) {
	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Errorf("invalid size %q", s)
	}

	value, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid size %q: %w", s, err)
	}
	if value <= 0 {
		return 0, errors.Errorf("invalid size %q: must be positive", s)
	}

	var order uint
	switch m[2] {
	case "":
		order = 0
	case "K", "k":
		order = 1
	case "M", "m":
		order = 2
	case "G", "g":
		order = 3
	case "T", "t":
		order = 4
	}

	for i := uint(0); i < order; i++ {
		if value > (1<<62)/1024 {
			return 0, errors.Errorf("invalid size %q: overflows", s)
		}
		value *= 1024
	}

	return value, nil
}

// FormatMemorySize renders a byte count with the largest suffix that divides
// it evenly, mirroring ParseMemorySize.
func FormatMemorySize(bytes int64) string {
	if bytes <= 0 {
		return "0"
	}
	suffixes := []string{"", "K", "M", "G", "T"}
	value := bytes
	order := 0
	for order < len(suffixes)-1 && value%1024 == 0 {
		value /= 1024
		order++
	}
	return strconv.FormatInt(value, 10) + suffixes[order]
}
