package protocol

import "github.com/cameronrye/aranet/internal/sensor"

// Param is a history parameter tag. History is downloaded one parameter at
// a time; full records are assembled by merging per-parameter chunks by index.
type Param uint8

const (
	ParamTemperature Param = 1
	ParamHumidity    Param = 2
	ParamPressure    Param = 3
	ParamCO2         Param = 4
	// ParamHumidityTenths is the Aranet2/Radon humidity encoding (tenths of
	// a percent, two bytes).
	ParamHumidityTenths Param = 5
	// ParamRadiationDose is the per-sample dose in nSv.
	ParamRadiationDose Param = 6
	// ParamRadiationDoseRate is the dose rate in nSv/h.
	ParamRadiationDoseRate Param = 7
	// ParamRadiationIntegral is the accumulated dose in nSv.
	ParamRadiationIntegral Param = 8
	ParamRadon             Param = 10
)

func (p Param) String() string {
	switch p {
	case ParamTemperature:
		return "temperature"
	case ParamHumidity:
		return "humidity"
	case ParamPressure:
		return "pressure"
	case ParamCO2:
		return "co2"
	case ParamHumidityTenths:
		return "humidity-tenths"
	case ParamRadiationDose:
		return "radiation-dose"
	case ParamRadiationDoseRate:
		return "radiation-dose-rate"
	case ParamRadiationIntegral:
		return "radiation-integral"
	case ParamRadon:
		return "radon"
	}
	return "unknown"
}

// Valid reports whether p is a known parameter tag.
func (p Param) Valid() bool {
	switch p {
	case ParamTemperature, ParamHumidity, ParamPressure, ParamCO2,
		ParamHumidityTenths, ParamRadiationDose, ParamRadiationDoseRate,
		ParamRadiationIntegral, ParamRadon:
		return true
	}
	return false
}

// ValueSize returns the wire width in bytes of one value for this parameter.
// Width is a property of the tag, never inferred from packet length.
func (p Param) ValueSize() int {
	switch p {
	case ParamHumidity:
		return 1
	case ParamRadon, ParamRadiationIntegral, ParamRadiationDose:
		return 4
	default:
		return 2
	}
}

// ParamsForDevice returns the parameter set required to assemble full
// history records for a device type, in download order.
func ParamsForDevice(dt sensor.DeviceType) []Param {
	switch dt {
	case sensor.Aranet4:
		return []Param{ParamCO2, ParamTemperature, ParamPressure, ParamHumidity}
	case sensor.Aranet2:
		return []Param{ParamTemperature, ParamHumidity}
	case sensor.AranetRadon:
		return []Param{ParamRadon, ParamTemperature, ParamPressure, ParamHumidityTenths}
	case sensor.AranetRadiation:
		return []Param{ParamRadiationDoseRate, ParamRadiationIntegral}
	}
	return nil
}
