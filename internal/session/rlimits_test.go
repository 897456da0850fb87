//go:build darwin || linux || freebsd
// +build darwin linux freebsd

package session

import "testing"

func TestFormatRlimit(t *testing.T) {
	cases := []struct {
		limit uint64
		want  string
	}{
		{rlimInfinity, "unlimited"},
		{512, "512 bytes"},
		{8 * 1024, "8.00 KB"},
		{64 * 1024 * 1024, "64.00 MB"},
		{2 * 1024 * 1024 * 1024, "2.00 GB"},
	}

	for _, tc := range cases {
		if got := FormatRlimit(tc.limit); got != tc.want {
			t.Errorf("FormatRlimit(%d) = %q, want %q", tc.limit, got, tc.want)
		}
	}
}

func TestCurrentResourceLimits(t *testing.T) {
	limits := CurrentResourceLimits()
	if _, ok := limits["open_files"]; !ok {
		t.Error("Expected open_files limit to be readable")
	}
}
