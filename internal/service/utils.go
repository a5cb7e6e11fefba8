package service

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// FormatInterval renders a subscription interval in whole seconds as a
// compact string: 60 -> "1m", 3600 -> "1h", 15 -> "15s".
func FormatInterval(seconds uint16) string {
	d := time.Duration(seconds) * time.Second
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// ParseInterval converts "1s", "5m", "1h" (or a bare number of seconds)
// into the whole seconds carried by a market data request.
func ParseInterval(s string) (uint16, error) {
	if s == "" {
		return 0, errors.New("empty interval")
	}

	if value, err := strconv.Atoi(s); err == nil {
		return checkInterval(time.Duration(value)*time.Second, s)
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid interval %q", s)
	}
	return checkInterval(d, s)
}

func checkInterval(d time.Duration, raw string) (uint16, error) {
	if d < time.Second || d%time.Second != 0 {
		return 0, errors.Errorf("interval %q must be a whole number of seconds", raw)
	}
	secs := d / time.Second
	if secs > 0xFFFF {
		return 0, errors.Errorf("interval %q too large", raw)
	}
	return uint16(secs), nil
}
