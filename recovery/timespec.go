package recovery

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ParseMinTime parses a minimum-timestamp spec: either epoch seconds
// ("1700000000") or an age with an h/d/w suffix ("12h", "1d", "4w"),
// which is subtracted from now. An empty spec means no cutoff.
func ParseMinTime(spec string, now time.Time) (uint64, error) {
	if spec == "" {
		return 0, nil
	}

	if n, err := strconv.ParseUint(spec, 10, 64); err == nil {
		return n, nil
	}

	unit := spec[len(spec)-1]
	n, err := strconv.ParseUint(strings.TrimSpace(spec[:len(spec)-1]), 10, 64)
	if err != nil {
		return 0, errors.Errorf("bad timestamp spec %q", spec)
	}

	var d time.Duration
	switch unit {
	case 'h':
		d = time.Duration(n) * time.Hour
	case 'd':
		d = time.Duration(n) * 24 * time.Hour
	case 'w':
		d = time.Duration(n) * 7 * 24 * time.Hour
	default:
		return 0, errors.Errorf("bad timestamp unit %q in %q", unit, spec)
	}

	cutoff := now.Add(-d)
	if cutoff.Unix() < 0 {
		return 0, nil
	}
	return uint64(cutoff.Unix()), nil
}
