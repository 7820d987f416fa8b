package sensor

import "time"

// MeasurementInterval is the sample interval setting. Only the enumerated
// minute values are accepted by the device.
type MeasurementInterval uint8

const (
	IntervalOneMinute   MeasurementInterval = 1
	IntervalTwoMinutes  MeasurementInterval = 2
	IntervalFiveMinutes MeasurementInterval = 5
	IntervalTenMinutes  MeasurementInterval = 10
)

// IntervalFromMinutes validates a minute count against the allowed set.
func IntervalFromMinutes(minutes uint8) (MeasurementInterval, bool) {
	switch MeasurementInterval(minutes) {
	case IntervalOneMinute, IntervalTwoMinutes, IntervalFiveMinutes, IntervalTenMinutes:
		return MeasurementInterval(minutes), true
	}
	return 0, false
}

// IntervalFromSeconds maps a device-reported interval in seconds back to the
// enum. Returns false for intervals outside the allowed set.
func IntervalFromSeconds(seconds uint16) (MeasurementInterval, bool) {
	if seconds == 0 || seconds%60 != 0 || seconds > 600 {
		return 0, false
	}
	return IntervalFromMinutes(uint8(seconds / 60))
}

// Seconds returns the interval length in seconds.
func (i MeasurementInterval) Seconds() uint16 {
	return uint16(i) * 60
}

// Duration returns the interval as a time.Duration.
func (i MeasurementInterval) Duration() time.Duration {
	return time.Duration(i) * time.Minute
}

// BluetoothRange selects the device's advertising transmit range.
type BluetoothRange uint8

const (
	RangeStandard BluetoothRange = 0x00
	RangeExtended BluetoothRange = 0x01
)

func (r BluetoothRange) String() string {
	if r == RangeExtended {
		return "extended"
	}
	return "standard"
}

// Settings is the mutable device configuration. There is no authoritative
// cached copy: every read and write is a live round trip to the device.
type Settings struct {
	Interval         MeasurementInterval
	SmartHomeEnabled bool
	Range            BluetoothRange
}
