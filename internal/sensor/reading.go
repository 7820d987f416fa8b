package sensor

import "time"

// CurrentReading is a snapshot of sensor values at a point in time.
// Scale factors are already applied: Temperature is in °C, Pressure in hPa.
// Pointer fields are nil for device types that do not report them.
type CurrentReading struct {
	// CO2 concentration in ppm (Aranet4 only, 0 otherwise).
	CO2 uint16
	// Temperature in °C.
	Temperature float32
	// Atmospheric pressure in hPa (0 for Aranet2 and Radiation).
	Pressure float32
	// Relative humidity percentage 0-100.
	Humidity uint8
	// Battery level percentage 0-100.
	Battery uint8
	// Device-reported status level.
	Status Status
	// Configured measurement interval in seconds.
	Interval uint16
	// Seconds since the last sample was taken.
	Age uint16
	// Radon concentration in Bq/m³ (AranetRn+ only).
	Radon *uint32
	// Radiation dose rate in µSv/h (Aranet Radiation only).
	RadiationRate *float32
	// Total radiation dose in mSv (Aranet Radiation only).
	RadiationTotal *float64
}

// DeviceInfo is identity metadata read from the standard GATT device
// information service. Fetched once per connection and cached.
type DeviceInfo struct {
	Name         string
	Model        string
	Serial       string
	Firmware     string
	Hardware     string
	Software     string
	Manufacturer string
}

// HistoryRecord is one archived sample. The timestamp is reconstructed from
// the device's total reading count and sample interval, not transmitted, so
// it is best-effort: an interval change mid-history drifts older records.
type HistoryRecord struct {
	Timestamp   time.Time
	CO2         uint16
	Temperature float32
	Pressure    float32
	Humidity    uint8
	Radon       *uint32
	// Radiation dose rate in µSv/h.
	RadiationRate *float32
	// Total radiation dose in mSv.
	RadiationTotal *float64
}
