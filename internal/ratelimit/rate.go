package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var rateRe = regexp.MustCompile(`^([\d.]+)\s*([kmgt])?b?p?s?/?s?$`)

var rateMultipliers = map[string]float64{
	"":  1,
	"k": 1e3,
	"m": 1e6,
	"g": 1e9,
	"t": 1e12,
}

// ParseRate converts a bit rate such as "10mbps", "512k" or "1.5 Mb/s"
// into bytes per second. "0" disables throttling.
func ParseRate(s string) (int64, error) {
	m := rateRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("invalid transfer rate %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transfer rate %q: %w", s, err)
	}

	return int64(value * rateMultipliers[m[2]] / 8), nil
}

// FormatRate renders bytes per second as a bit rate, e.g. "10 mbps".
func FormatRate(bytesPerSecond int64) string {
	units := []string{"", "k", "m", "g", "t"}
	value := float64(bytesPerSecond) * 8
	i := 0
	for value >= 1000 && i < len(units)-1 {
		value /= 1000
		i++
	}

	if value == float64(int64(value)) {
		return fmt.Sprintf("%d %sbps", int64(value), units[i])
	}
	return fmt.Sprintf("%.2f %sbps", value, units[i])
}
