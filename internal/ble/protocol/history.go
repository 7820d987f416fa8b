package protocol

import (
	"encoding/binary"

	"github.com/cameronrye/aranet/internal/sensor"
)

// HistoryChunk is one decoded history packet: a run of same-width raw
// values for one parameter, starting at a 1-based device index. Values are
// widened to uint32 regardless of wire width; scale factors are applied
// later, when chunks are merged into records.
type HistoryChunk struct {
	Param Param
	// StartIndex is the 1-based index of Values[0] on the device.
	StartIndex uint16
	// Total is the device's total stored reading count (V2 only, 0 for V1).
	Total uint16
	// Interval is the sample interval in seconds (V2 only, 0 for V1).
	Interval uint16
	// Age is seconds since the newest sample (V2 only, 0 for V1).
	Age uint16
	// Count is the value count the V2 header declared (0 for V1). A chunk
	// whose payload carries fewer values than declared is corrupt.
	Count  uint8
	Values []uint32
}

const (
	v1HeaderLen = 3
	v2HeaderLen = 10
)

// DecodeHistoryChunkV1 decodes a notification packet from the V1 history
// characteristic: [param, startLo, startHi] followed by values. The value
// count is implied by the remaining length.
func DecodeHistoryChunkV1(data []byte) (HistoryChunk, error) {
	if len(data) < v1HeaderLen {
		return HistoryChunk{}, tooShort("history v1 chunk", v1HeaderLen, len(data))
	}
	p := Param(data[0])
	if !p.Valid() {
		return HistoryChunk{}, &DecodeError{Kind: ErrInvalidDiscriminant, What: "history v1 chunk"}
	}
	chunk := HistoryChunk{
		Param:      p,
		StartIndex: binary.LittleEndian.Uint16(data[1:3]),
	}
	chunk.Values = decodeValueRun(data[v1HeaderLen:], p.ValueSize(), -1)
	return chunk, nil
}

// DecodeHistoryChunkV2 decodes a read response from the V2 history
// characteristic: [param, interval u16, total u16, age u16, start u16,
// count u8] followed by count values. A count of zero signals the end of
// the stored history.
func DecodeHistoryChunkV2(data []byte) (HistoryChunk, error) {
	if len(data) < v2HeaderLen {
		return HistoryChunk{}, tooShort("history v2 chunk", v2HeaderLen, len(data))
	}
	p := Param(data[0])
	if !p.Valid() {
		return HistoryChunk{}, &DecodeError{Kind: ErrInvalidDiscriminant, What: "history v2 chunk"}
	}
	count := int(data[9])
	chunk := HistoryChunk{
		Param:      p,
		Interval:   binary.LittleEndian.Uint16(data[1:3]),
		Total:      binary.LittleEndian.Uint16(data[3:5]),
		Age:        binary.LittleEndian.Uint16(data[5:7]),
		StartIndex: binary.LittleEndian.Uint16(data[7:9]),
		Count:      data[9],
	}
	chunk.Values = decodeValueRun(data[v2HeaderLen:], p.ValueSize(), count)
	return chunk, nil
}

// ApplyHistoryValue writes one raw history value into the record field the
// parameter maps to, applying the same scale factors as current readings.
// ParamRadiationDose has no record field and is ignored.
func ApplyHistoryValue(p Param, raw uint32, rec *sensor.HistoryRecord) {
	switch p {
	case ParamTemperature:
		rec.Temperature = float32(raw) / tempScale
	case ParamHumidity:
		rec.Humidity = clampHumidity(uint16(raw))
	case ParamHumidityTenths:
		rec.Humidity = clampHumidity(uint16(raw / 10))
	case ParamPressure:
		rec.Pressure = float32(raw) / pressureScale
	case ParamCO2:
		rec.CO2 = uint16(raw)
	case ParamRadon:
		v := raw
		rec.Radon = &v
	case ParamRadiationDoseRate:
		v := float32(raw) / doseRateScale
		rec.RadiationRate = &v
	case ParamRadiationIntegral:
		v := float64(raw) / doseScale
		rec.RadiationTotal = &v
	}
}

// decodeValueRun extracts up to max same-width values (max < 0 means as
// many as fit). Trailing partial values are dropped, never read past.
func decodeValueRun(data []byte, width, max int) []uint32 {
	n := len(data) / width
	if max >= 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	values := make([]uint32, n)
	for i := 0; i < n; i++ {
		off := i * width
		switch width {
		case 1:
			values[i] = uint32(data[off])
		case 2:
			values[i] = uint32(binary.LittleEndian.Uint16(data[off : off+2]))
		default:
			values[i] = binary.LittleEndian.Uint32(data[off : off+4])
		}
	}
	return values
}
