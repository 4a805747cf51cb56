package actuator

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultDeviceName is the name the sorting firmware pairs under.
const DefaultDeviceName = "ESP32_Detector"

// PairedDevice is a device already bonded with the host, such as a Bluetooth
// serial link bound to /dev/rfcomm0. Pairing itself happens outside the bin.
type PairedDevice struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// PortLister enumerates the serial ports present on the host.
type PortLister func() ([]string, error)

// SystemPorts lists ports through go.bug.st/serial.
func SystemPorts() ([]string, error) {
	return serial.GetPortsList()
}

// ResolveDevice finds the port path of the named device among the paired
// devices. The name must be paired; no discovery is attempted. When list is
// non-nil the path must also be present on the host.
func ResolveDevice(name string, paired []PairedDevice, list PortLister) (string, error) {
	var path string
	for _, d := range paired {
		if strings.EqualFold(d.Name, name) {
			path = d.Path
			break
		}
	}
	if path == "" {
		return "", &Error{Kind: ErrDeviceNotPaired, Command: "connect", Reply: name}
	}
	if list == nil {
		return path, nil
	}

	ports, err := list()
	if err != nil {
		return "", fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	for _, p := range ports {
		if p == path {
			return path, nil
		}
	}
	return "", &Error{Kind: ErrNotConnected, Command: "connect", Reply: fmt.Sprintf("%s not present at %s", name, path)}
}
