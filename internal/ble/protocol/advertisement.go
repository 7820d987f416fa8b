package protocol

import (
	"encoding/binary"

	"github.com/cameronrye/aranet/internal/sensor"
)

// Minimum advertisement payload sizes per device type, including the
// leading discriminant byte.
const (
	minAranet4Adv   = 16
	minAranet2Adv   = 12
	minRadonAdv     = 18
	minRadiationAdv = 21
)

// DecodeAdvertisement decodes the manufacturer-data payload of a passive
// BLE advertisement. Payloads from manufacturers other than Saf Tehnika
// return ErrIgnored so scanners can skip them without reporting a failure.
// Advertisement data is only present when the device's Smart Home
// integration is enabled.
func DecodeAdvertisement(manufacturerID uint16, data []byte) (sensor.DeviceType, sensor.CurrentReading, error) {
	if manufacturerID != ManufacturerID {
		return 0, sensor.CurrentReading{}, &DecodeError{Kind: ErrIgnored, What: "advertisement"}
	}
	if len(data) == 0 {
		return 0, sensor.CurrentReading{}, tooShort("advertisement", 1, 0)
	}
	dt, ok := sensor.DeviceTypeFromByte(data[0])
	if !ok {
		return 0, sensor.CurrentReading{}, &DecodeError{Kind: ErrInvalidDiscriminant, What: "advertisement"}
	}
	var (
		r   sensor.CurrentReading
		err error
	)
	switch dt {
	case sensor.Aranet4:
		r, err = decodeAranet4Adv(data)
	case sensor.Aranet2:
		r, err = decodeAranet2Adv(data)
	case sensor.AranetRadon:
		r, err = decodeRadonAdv(data)
	case sensor.AranetRadiation:
		r, err = decodeRadiationAdv(data)
	}
	if err != nil {
		return 0, sensor.CurrentReading{}, err
	}
	return dt, r, nil
}

// decodeAranet4Adv parses the 16-byte Aranet4 advertisement:
// type, flags, CO2 u16, temp u16 (/20), pressure u16 (/10), humidity u8,
// battery u8, status u8, interval u16, age u16, counter u8.
func decodeAranet4Adv(data []byte) (sensor.CurrentReading, error) {
	if len(data) < minAranet4Adv {
		return sensor.CurrentReading{}, tooShort("Aranet4 advertisement", minAranet4Adv, len(data))
	}
	return sensor.CurrentReading{
		CO2:         binary.LittleEndian.Uint16(data[2:4]),
		Temperature: float32(binary.LittleEndian.Uint16(data[4:6])) / tempScale,
		Pressure:    float32(binary.LittleEndian.Uint16(data[6:8])) / pressureScale,
		Humidity:    data[8],
		Battery:     data[9],
		Status:      sensor.StatusFromByte(data[10]),
		Interval:    binary.LittleEndian.Uint16(data[11:13]),
		Age:         binary.LittleEndian.Uint16(data[13:15]),
	}, nil
}

// decodeAranet2Adv parses the 12-byte Aranet2 advertisement:
// type, flags, temp u16 (/20), humidity u16 (tenths), battery u8,
// status u8, interval u16, age u16.
func decodeAranet2Adv(data []byte) (sensor.CurrentReading, error) {
	if len(data) < minAranet2Adv {
		return sensor.CurrentReading{}, tooShort("Aranet2 advertisement", minAranet2Adv, len(data))
	}
	return sensor.CurrentReading{
		Temperature: float32(binary.LittleEndian.Uint16(data[2:4])) / tempScale,
		Humidity:    clampHumidity(binary.LittleEndian.Uint16(data[4:6]) / 10),
		Battery:     data[6],
		Status:      sensor.StatusFromByte(data[7]),
		Interval:    binary.LittleEndian.Uint16(data[8:10]),
		Age:         binary.LittleEndian.Uint16(data[10:12]),
	}, nil
}

// decodeRadonAdv parses the 18-byte AranetRn+ advertisement:
// type, flags, temp u16 (/20), pressure u16 (/10), humidity u16 (tenths),
// battery u8, status u8, interval u16, age u16, radon u32.
func decodeRadonAdv(data []byte) (sensor.CurrentReading, error) {
	if len(data) < minRadonAdv {
		return sensor.CurrentReading{}, tooShort("AranetRn+ advertisement", minRadonAdv, len(data))
	}
	radon := binary.LittleEndian.Uint32(data[14:18])
	return sensor.CurrentReading{
		Temperature: float32(binary.LittleEndian.Uint16(data[2:4])) / tempScale,
		Pressure:    float32(binary.LittleEndian.Uint16(data[4:6])) / pressureScale,
		Humidity:    clampHumidity(binary.LittleEndian.Uint16(data[6:8]) / 10),
		Battery:     data[8],
		Status:      sensor.StatusFromByte(data[9]),
		Interval:    binary.LittleEndian.Uint16(data[10:12]),
		Age:         binary.LittleEndian.Uint16(data[12:14]),
		Radon:       &radon,
	}, nil
}

// decodeRadiationAdv parses the 21-byte Aranet Radiation advertisement:
// type, flags, battery u8, status u8, interval u16, age u16, dose rate
// u32 (nSv/h), total dose u64 (nSv), counter u8. Early firmware shipped a
// 19-byte frame without the full total-dose field; those frames truncate
// the u64 and decode garbage, so anything under 21 bytes is rejected.
func decodeRadiationAdv(data []byte) (sensor.CurrentReading, error) {
	if len(data) < minRadiationAdv {
		return sensor.CurrentReading{}, tooShort("Aranet Radiation advertisement", minRadiationAdv, len(data))
	}
	rate := float32(binary.LittleEndian.Uint32(data[8:12])) / doseRateScale
	total := float64(binary.LittleEndian.Uint64(data[12:20])) / doseScale
	return sensor.CurrentReading{
		Battery:        data[2],
		Status:         sensor.StatusFromByte(data[3]),
		Interval:       binary.LittleEndian.Uint16(data[4:6]),
		Age:            binary.LittleEndian.Uint16(data[6:8]),
		RadiationRate:  &rate,
		RadiationTotal: &total,
	}, nil
}
