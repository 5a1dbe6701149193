package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
)

func TestSerialFilter(t *testing.T) {
	f, err := NewSerialFilter("239a", "800c", []string{"/dev/ttyUSB*"})
	require.NoError(t, err)

	tests := map[string]struct {
		port *enumerator.PortDetails
		want bool
	}{
		"matching usb id": {
			port: &enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "239A", PID: "800C"},
			want: true,
		},
		"other usb id": {
			port: &enumerator.PortDetails{Name: "/dev/ttyACM1", IsUSB: true, VID: "16c0", PID: "0f38"},
			want: false,
		},
		"id on non usb port": {
			port: &enumerator.PortDetails{Name: "/dev/ttyS0", VID: "239a", PID: "800c"},
			want: false,
		},
		"path glob": {
			port: &enumerator.PortDetails{Name: "/dev/ttyUSB3"},
			want: true,
		},
		"glob does not cross folders": {
			port: &enumerator.PortDetails{Name: "/dev/ttyUSB/x"},
			want: false,
		},
		"nil": {
			port: nil,
			want: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.Match(tc.port))
		})
	}
}

func TestSerialFilterDeduplicates(t *testing.T) {
	f, err := NewSerialFilter("239a", "800c", []string{"/dev/ttyACM*"})
	require.NoError(t, err)

	got := f.Filter([]*enumerator.PortDetails{
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "239a", PID: "800c"},
		{Name: "/dev/ttyACM0", IsUSB: true, VID: "239a", PID: "800c"},
		{Name: "/dev/ttyS0"},
		{Name: "/dev/ttyACM1"},
	})
	assert.Equal(t, []string{"/dev/ttyACM0", "/dev/ttyACM1"}, got)
}

func TestSerialFilterBadGlob(t *testing.T) {
	_, err := NewSerialFilter("", "", []string{"/dev/[tty"})
	assert.Error(t, err)
}

func TestContains(t *testing.T) {
	assert.True(t, Contains([]string{"a", "b"}, "b"))
	assert.False(t, Contains([]string{"a", "b"}, "c"))
}
