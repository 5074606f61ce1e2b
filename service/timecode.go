package service

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseTimecode parses "HH:MM:SS" or "MM:SS" into seconds.
func ParseTimecode(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("timecode %q: want MM:SS or HH:MM:SS", s)
	}
	values := make([]int, len(parts))
	for i, p := range parts {
		if len(p) == 0 || len(p) > 2 {
			return 0, fmt.Errorf("timecode %q: segment %q out of shape", s, p)
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("timecode %q: segment %q is not a number", s, p)
		}
		values[i] = n
	}
	// Minutes and seconds must stay under 60; hours are unbounded.
	for i := 1; i < len(values); i++ {
		if values[i] > 59 {
			return 0, fmt.Errorf("timecode %q: segment %d exceeds 59", s, values[i])
		}
	}
	if len(values) == 2 {
		if values[0] > 59 {
			return 0, fmt.Errorf("timecode %q: minutes exceed 59", s)
		}
		return values[0]*60 + values[1], nil
	}
	return values[0]*3600 + values[1]*60 + values[2], nil
}
