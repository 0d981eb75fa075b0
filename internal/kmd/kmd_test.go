package kmd_test

import (
	"testing"

	"github.com/tinyrange/openbh/internal/kmd"
)

func TestFormatBDF(t *testing.T) {
	cases := []struct {
		domain uint16
		bdf    uint16
		want   string
	}{
		{0, 0x0100, "0000:01:00.0"},
		{0, 0x0000, "0000:00:00.0"},
		{0, 0xE5FF, "0000:e5:1f.7"},
		{0x8001, 0x0308, "8001:03:01.0"},
		{0, 0x010D, "0000:01:01.5"},
	}
	for _, c := range cases {
		if got := kmd.FormatBDF(c.domain, c.bdf); got != c.want {
			t.Fatalf("FormatBDF(%#x, %#x) = %q, want %q", c.domain, c.bdf, got, c.want)
		}
	}
}

func TestDeviceInfoBDF(t *testing.T) {
	info := kmd.DeviceInfo{PCIDomain: 0x0001, BusDevFn: 0x2A10}
	if got := info.BDF(); got != "0001:2a:02.0" {
		t.Fatalf("BDF = %q", got)
	}
}
