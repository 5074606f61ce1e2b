package service

import "testing"

func TestParseTimecode(t *testing.T) {
	valid := []struct {
		in   string
		want int
	}{
		{"00:00", 0},
		{"05:30", 330},
		{"59:59", 3599},
		{"1:02:03", 3723},
		{"01:02:03", 3723},
		{"10:00:00", 36000},
	}
	for _, tc := range valid {
		got, err := ParseTimecode(tc.in)
		if err != nil {
			t.Errorf("ParseTimecode(%q) error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTimecode(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}

	invalid := []string{"", "12", "1:2:3:4", "aa:bb", "12:60", "60:00", "1:60:00", "-1:00", "123:00"}
	for _, in := range invalid {
		if _, err := ParseTimecode(in); err == nil {
			t.Errorf("ParseTimecode(%q) succeeded, want error", in)
		}
	}
}
