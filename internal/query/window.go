package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParseWindow parses a look-back window such as "30m", "2d" or "1w3d12h". Besides the
// time.ParseDuration units it accepts d (24h) and w (7d).
func ParseWindow(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty window")
	}
	var total time.Duration
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("bad window %q", s)
		}
		j := i
		for j < len(rest) && (rest[j] < '0' || rest[j] > '9') {
			j++
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad window %q: %w", s, err)
		}
		var d time.Duration
		switch rest[i:j] {
		case "w", "d":
			unit := 24 * time.Hour
			if rest[i:j] == "w" {
				unit *= 7
			}
			if n > math.MaxInt64/int64(unit) {
				return 0, fmt.Errorf("bad window %q: overflow", s)
			}
			d = time.Duration(n) * unit
		default:
			d, err = time.ParseDuration(rest[:j])
			if err != nil {
				return 0, fmt.Errorf("bad window %q: %w", s, err)
			}
		}
		if d > math.MaxInt64-total {
			return 0, fmt.Errorf("bad window %q: overflow", s)
		}
		total += d
		rest = rest[j:]
	}
	return total, nil
}
