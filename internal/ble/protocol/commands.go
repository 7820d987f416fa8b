package protocol

import "github.com/cameronrye/aranet/internal/sensor"

// Command opcodes written to the command characteristic. Settings commands
// are a single opcode byte followed by opcode-specific payload bytes.
const (
	// OpHistoryV2Request requests read-based history delivery.
	// Format: [0x61, param, startLo, startHi].
	OpHistoryV2Request = 0x61
	// OpHistoryV1Request requests notification-based history delivery.
	// Format: [0x82, param, startLo, startHi, countLo, countHi].
	OpHistoryV1Request = 0x82
	// OpSetInterval sets the measurement interval. Format: [0x90, minutes].
	OpSetInterval = 0x90
	// OpSetSmartHome toggles Smart Home advertisements. Format: [0x91, 0|1].
	OpSetSmartHome = 0x91
	// OpSetRange sets the Bluetooth range. Format: [0x92, 0|1].
	OpSetRange = 0x92
)

// EncodeSetInterval builds the set-interval command. Only the enumerated
// minute values {1, 2, 5, 10} are accepted.
func EncodeSetInterval(minutes uint8) ([]byte, error) {
	iv, ok := sensor.IntervalFromMinutes(minutes)
	if !ok {
		return nil, &DecodeError{Kind: ErrInvalidArgument, What: "set interval"}
	}
	return []byte{OpSetInterval, uint8(iv)}, nil
}

// EncodeSetRange builds the set-Bluetooth-range command.
func EncodeSetRange(extended bool) []byte {
	operand := byte(sensor.RangeStandard)
	if extended {
		operand = byte(sensor.RangeExtended)
	}
	return []byte{OpSetRange, operand}
}

// EncodeSetSmartHome builds the Smart Home advertisement toggle command.
func EncodeSetSmartHome(enabled bool) []byte {
	operand := byte(0x00)
	if enabled {
		operand = 0x01
	}
	return []byte{OpSetSmartHome, operand}
}

// EncodeHistoryV1Request builds the V1 (notification transport) history
// request for count values starting at the 1-based index start.
func EncodeHistoryV1Request(p Param, start, count uint16) ([]byte, error) {
	if !p.Valid() {
		return nil, &DecodeError{Kind: ErrInvalidArgument, What: "history v1 request"}
	}
	return []byte{
		OpHistoryV1Request, byte(p),
		byte(start), byte(start >> 8),
		byte(count), byte(count >> 8),
	}, nil
}

// EncodeHistoryV2Request builds the V2 (read transport) history request
// starting at the 1-based index start.
func EncodeHistoryV2Request(p Param, start uint16) ([]byte, error) {
	if !p.Valid() {
		return nil, &DecodeError{Kind: ErrInvalidArgument, What: "history v2 request"}
	}
	return []byte{
		OpHistoryV2Request, byte(p),
		byte(start), byte(start >> 8),
	}, nil
}

// DecodeSensorState decodes the sensor-state characteristic into the
// current device settings: interval u16 (seconds), flags byte with Smart
// Home in bit 0 and extended range in bit 1.
func DecodeSensorState(data []byte) (sensor.Settings, error) {
	if len(data) < 3 {
		return sensor.Settings{}, tooShort("sensor state", 3, len(data))
	}
	seconds, err := DecodeUint16("sensor state interval", data[0:2])
	if err != nil {
		return sensor.Settings{}, err
	}
	iv, ok := sensor.IntervalFromSeconds(seconds)
	if !ok {
		return sensor.Settings{}, &DecodeError{Kind: ErrInvalidArgument, What: "sensor state interval"}
	}
	flags := data[2]
	s := sensor.Settings{
		Interval:         iv,
		SmartHomeEnabled: flags&0x01 != 0,
		Range:            sensor.RangeStandard,
	}
	if flags&0x02 != 0 {
		s.Range = sensor.RangeExtended
	}
	return s, nil
}
