package protocol

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"github.com/cameronrye/aranet/internal/sensor"
)

// Scale factors applied at decode time. Downstream code never sees the raw
// fixed-point integers.
const (
	tempScale     = 20.0      // raw / 20 = °C
	pressureScale = 10.0      // raw / 10 = hPa
	doseRateScale = 1000.0    // raw nSv/h / 1000 = µSv/h
	doseScale     = 1000000.0 // raw nSv / 1e6 = mSv
)

// Minimum GATT payload sizes per device type.
const (
	minAranet4Reading   = 13
	minAranet2Reading   = 7
	minRadonReading     = 18
	minRadiationReading = 28
	minDeviceInfoField  = 1
	minUint16Payload    = 2
)

// DecodeCurrentReading decodes the detailed current-readings characteristic
// payload for the given device type.
func DecodeCurrentReading(dt sensor.DeviceType, data []byte) (sensor.CurrentReading, error) {
	switch dt {
	case sensor.Aranet4:
		return decodeAranet4Reading(data)
	case sensor.Aranet2:
		return decodeAranet2Reading(data)
	case sensor.AranetRadon:
		return decodeRadonReading(data)
	case sensor.AranetRadiation:
		return decodeRadiationReading(data)
	}
	return sensor.CurrentReading{}, &DecodeError{Kind: ErrInvalidDiscriminant, What: "current reading"}
}

// decodeAranet4Reading parses the 13-byte Aranet4 layout:
// CO2 u16, temp u16 (/20), pressure u16 (/10), humidity u8, battery u8,
// status u8, interval u16, age u16. All integers little-endian.
func decodeAranet4Reading(data []byte) (sensor.CurrentReading, error) {
	if len(data) < minAranet4Reading {
		return sensor.CurrentReading{}, tooShort("Aranet4 reading", minAranet4Reading, len(data))
	}
	return sensor.CurrentReading{
		CO2:         binary.LittleEndian.Uint16(data[0:2]),
		Temperature: float32(binary.LittleEndian.Uint16(data[2:4])) / tempScale,
		Pressure:    float32(binary.LittleEndian.Uint16(data[4:6])) / pressureScale,
		Humidity:    data[6],
		Battery:     data[7],
		Status:      sensor.StatusFromByte(data[8]),
		Interval:    binary.LittleEndian.Uint16(data[9:11]),
		Age:         binary.LittleEndian.Uint16(data[11:13]),
	}, nil
}

// decodeAranet2Reading parses the 7-byte Aranet2 layout:
// temp u16 (/20), humidity u8, battery u8, status u8, interval u16.
func decodeAranet2Reading(data []byte) (sensor.CurrentReading, error) {
	if len(data) < minAranet2Reading {
		return sensor.CurrentReading{}, tooShort("Aranet2 reading", minAranet2Reading, len(data))
	}
	return sensor.CurrentReading{
		Temperature: float32(binary.LittleEndian.Uint16(data[0:2])) / tempScale,
		Humidity:    data[2],
		Battery:     data[3],
		Status:      sensor.StatusFromByte(data[4]),
		Interval:    binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

// decodeRadonReading parses the AranetRn+ detailed characteristic:
// type marker u16, interval u16, age u16, battery u8, temp u16 (/20),
// pressure u16 (/10), humidity u16 (tenths, /10), radon u32, status u8.
// Trailing bytes (24h/7d/30d averages) are ignored.
func decodeRadonReading(data []byte) (sensor.CurrentReading, error) {
	if len(data) < minRadonReading {
		return sensor.CurrentReading{}, tooShort("AranetRn+ reading", minRadonReading, len(data))
	}
	humidityTenths := binary.LittleEndian.Uint16(data[11:13])
	radon := binary.LittleEndian.Uint32(data[13:17])
	return sensor.CurrentReading{
		Interval:    binary.LittleEndian.Uint16(data[2:4]),
		Age:         binary.LittleEndian.Uint16(data[4:6]),
		Battery:     data[6],
		Temperature: float32(binary.LittleEndian.Uint16(data[7:9])) / tempScale,
		Pressure:    float32(binary.LittleEndian.Uint16(data[9:11])) / pressureScale,
		Humidity:    clampHumidity(humidityTenths / 10),
		Radon:       &radon,
		Status:      sensor.StatusFromByte(data[17]),
	}, nil
}

// decodeRadiationReading parses the Aranet Radiation detailed characteristic:
// 2 reserved bytes, interval u16, age u16, battery u8, dose rate u32 (nSv/h),
// total dose u64 (nSv), duration u64, status u8.
func decodeRadiationReading(data []byte) (sensor.CurrentReading, error) {
	if len(data) < minRadiationReading {
		return sensor.CurrentReading{}, tooShort("Aranet Radiation reading", minRadiationReading, len(data))
	}
	rate := float32(binary.LittleEndian.Uint32(data[7:11])) / doseRateScale
	total := float64(binary.LittleEndian.Uint64(data[11:19])) / doseScale
	return sensor.CurrentReading{
		Interval:       binary.LittleEndian.Uint16(data[2:4]),
		Age:            binary.LittleEndian.Uint16(data[4:6]),
		Battery:        data[6],
		RadiationRate:  &rate,
		RadiationTotal: &total,
		Status:         sensor.StatusFromByte(data[27]),
	}, nil
}

// EncodeCurrentReading encodes a reading back into the Aranet4 13-byte
// layout. Used for loopback tests and simulated devices; only Aranet4 has a
// defined inverse.
func EncodeCurrentReading(dt sensor.DeviceType, r sensor.CurrentReading) ([]byte, error) {
	if dt != sensor.Aranet4 {
		return nil, &DecodeError{Kind: ErrInvalidArgument, What: "encode reading"}
	}
	buf := make([]byte, minAranet4Reading)
	binary.LittleEndian.PutUint16(buf[0:2], r.CO2)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.Temperature*tempScale+0.5))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(r.Pressure*pressureScale+0.5))
	buf[6] = r.Humidity
	buf[7] = r.Battery
	buf[8] = byte(r.Status)
	binary.LittleEndian.PutUint16(buf[9:11], r.Interval)
	binary.LittleEndian.PutUint16(buf[11:13], r.Age)
	return buf, nil
}

// DecodeUint16 decodes a 2-byte little-endian characteristic value
// (total readings, interval, seconds-since-update).
func DecodeUint16(what string, data []byte) (uint16, error) {
	if len(data) < minUint16Payload {
		return 0, tooShort(what, minUint16Payload, len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}

// DecodeDeviceInfoString decodes a GATT string characteristic defensively:
// the value is cut at the first NUL and must be valid UTF-8. Empty and
// whitespace-only values fail rather than producing a blank identity field.
func DecodeDeviceInfoString(data []byte) (string, error) {
	if len(data) < minDeviceInfoField {
		return "", tooShort("device info string", minDeviceInfoField, len(data))
	}
	if i := strings.IndexByte(string(data), 0); i >= 0 {
		data = data[:i]
	}
	s := strings.TrimSpace(string(data))
	if s == "" || !utf8.ValidString(s) {
		return "", &DecodeError{Kind: ErrInvalidArgument, What: "device info string"}
	}
	return s, nil
}

func clampHumidity(v uint16) uint8 {
	if v > 100 {
		return 100
	}
	return uint8(v)
}
