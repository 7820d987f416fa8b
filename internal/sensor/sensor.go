// Package sensor defines the typed values produced by Aranet environmental
// sensors: device types, current readings, device identity, history records,
// and writable settings. Types here are plain values with no I/O.
package sensor

import "strings"

// DeviceType identifies the kind of Aranet sensor. The value doubles as the
// one-byte discriminant that leads advertisements and GATT payloads.
type DeviceType uint8

const (
	// Aranet4 measures CO2, temperature, pressure, and humidity.
	Aranet4 DeviceType = 0xF1
	// Aranet2 measures temperature and humidity only.
	Aranet2 DeviceType = 0xF2
	// AranetRadon measures radon concentration plus temperature, pressure,
	// and humidity.
	AranetRadon DeviceType = 0xF3
	// AranetRadiation measures ionizing radiation dose rate and total dose.
	AranetRadiation DeviceType = 0xF4
)

// DeviceTypeFromByte maps a discriminant byte to a DeviceType.
func DeviceTypeFromByte(b byte) (DeviceType, bool) {
	switch DeviceType(b) {
	case Aranet4, Aranet2, AranetRadon, AranetRadiation:
		return DeviceType(b), true
	}
	return 0, false
}

// DeviceTypeFromName guesses the device type from an advertised name.
// Returns false when the name matches no known naming pattern.
func DeviceTypeFromName(name string) (DeviceType, bool) {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "aranet4"):
		return Aranet4, true
	case strings.Contains(n, "aranet2"):
		return Aranet2, true
	case strings.Contains(n, "rn+"), strings.Contains(n, "radon"):
		return AranetRadon, true
	case strings.Contains(n, "radiation"):
		return AranetRadiation, true
	}
	return 0, false
}

func (t DeviceType) String() string {
	switch t {
	case Aranet4:
		return "Aranet4"
	case Aranet2:
		return "Aranet2"
	case AranetRadon:
		return "AranetRn+"
	case AranetRadiation:
		return "Aranet Radiation"
	}
	return "unknown"
}

// Status is the device's own traffic-light assessment of the primary
// measurement (CO2 for Aranet4, radon for AranetRn+).
type Status uint8

const (
	StatusError  Status = 0
	StatusGreen  Status = 1
	StatusYellow Status = 2
	StatusRed    Status = 3
)

// StatusFromByte maps a wire byte to a Status. Unknown values map to
// StatusError, matching device behavior for invalid readings.
func StatusFromByte(b byte) Status {
	switch Status(b) {
	case StatusGreen, StatusYellow, StatusRed:
		return Status(b)
	}
	return StatusError
}

func (s Status) String() string {
	switch s {
	case StatusGreen:
		return "green"
	case StatusYellow:
		return "yellow"
	case StatusRed:
		return "red"
	}
	return "error"
}
