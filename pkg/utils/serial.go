package utils

import (
	"strings"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial/enumerator"
)

// SerialFilter selects which serial ports are card readers. A port matches
// if it is a USB device with the given vendor and product id, or if its path
// matches one of the path globs.
type SerialFilter struct {
	Vid   string
	Pid   string
	paths []glob.Glob
}

func NewSerialFilter(vid string, pid string, paths []string) (*SerialFilter, error) {
	f := &SerialFilter{
		Vid: vid,
		Pid: pid,
	}

	for _, p := range paths {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err
		}
		f.paths = append(f.paths, g)
	}

	return f, nil
}

func (f *SerialFilter) Match(port *enumerator.PortDetails) bool {
	if port == nil {
		return false
	}

	if port.IsUSB && f.Vid != "" && f.Pid != "" &&
		strings.EqualFold(port.VID, f.Vid) &&
		strings.EqualFold(port.PID, f.Pid) {
		return true
	}

	for _, g := range f.paths {
		if g.Match(port.Name) {
			return true
		}
	}

	return false
}

// Filter returns the names of all ports matching the filter, in the order
// they were given.
func (f *SerialFilter) Filter(ports []*enumerator.PortDetails) []string {
	var devices []string
	for _, p := range ports {
		if f.Match(p) && !Contains(devices, p.Name) {
			devices = append(devices, p.Name)
		}
	}
	return devices
}

// GetSerialDeviceList lists serial ports on the system which match the
// filter.
func GetSerialDeviceList(f *SerialFilter) ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	devices := f.Filter(ports)
	log.Debug().Msgf("serial ports: %d found, %d matched", len(ports), len(devices))

	return devices, nil
}
