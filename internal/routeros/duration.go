package routeros

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseRouterOSDuration accepts both "1d2h3m4s" and "hh:mm:ss".
func parseRouterOSDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.Contains(value, ":") {
		parts := strings.Split(value, ":")
		if len(parts) != 3 {
			return 0, fmt.Errorf("invalid hh:mm:ss: %s", value)
		}
		var total time.Duration
		for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
			n, err := strconv.Atoi(parts[i])
			if err != nil {
				return 0, err
			}
			total += time.Duration(n) * unit
		}
		return total, nil
	}

	mult := map[byte]time.Duration{
		'w': 7 * 24 * time.Hour,
		'd': 24 * time.Hour,
		'h': time.Hour,
		'm': time.Minute,
		's': time.Second,
	}

	var dur time.Duration
	number := ""
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if ch >= '0' && ch <= '9' {
			number += string(ch)
			continue
		}
		unit, ok := mult[ch]
		if !ok || number == "" {
			return 0, fmt.Errorf("invalid duration segment: %s", value)
		}
		v, err := strconv.Atoi(number)
		if err != nil {
			return 0, err
		}
		dur += time.Duration(v) * unit
		number = ""
	}
	if number != "" {
		v, err := strconv.Atoi(number)
		if err != nil {
			return 0, err
		}
		dur += time.Duration(v) * time.Second
	}
	return dur, nil
}
