package protocol

// Saf Tehnika (Aranet) service UUIDs. Devices expose one of two custom
// service UUIDs depending on firmware generation; connect logic probes the
// new one first and falls back to the old.
const (
	// ServiceNew is the custom service UUID for firmware v1.2.0 and newer.
	ServiceNew = "0000fce0-0000-1000-8000-00805f9b34fb"
	// ServiceOld is the custom service UUID for firmware before v1.2.0.
	ServiceOld = "f0cd1400-95da-4f4b-9ac8-aa55d312af0c"
)

// ManufacturerID is the Saf Tehnika company identifier carried in BLE
// advertisement manufacturer data.
const ManufacturerID uint16 = 0x0702

// Aranet characteristic UUIDs.
const (
	// CharCurrentReadings is the basic current-readings characteristic.
	CharCurrentReadings = "f0cd1503-95da-4f4b-9ac8-aa55d312af0c"
	// CharCurrentReadingsDetail carries the detailed Aranet4 reading.
	CharCurrentReadingsDetail = "f0cd3001-95da-4f4b-9ac8-aa55d312af0c"
	// CharCurrentReadingsDetailAlt carries the detailed reading for
	// Aranet2, Radon, and Radiation devices.
	CharCurrentReadingsDetailAlt = "f0cd3003-95da-4f4b-9ac8-aa55d312af0c"
	// CharTotalReadings is the count of samples stored in device memory.
	CharTotalReadings = "f0cd2001-95da-4f4b-9ac8-aa55d312af0c"
	// CharInterval is the measurement interval in seconds.
	CharInterval = "f0cd2002-95da-4f4b-9ac8-aa55d312af0c"
	// CharHistoryV1 delivers history chunks by notification (older firmware).
	CharHistoryV1 = "f0cd2003-95da-4f4b-9ac8-aa55d312af0c"
	// CharSecondsSinceUpdate is the age of the newest sample.
	CharSecondsSinceUpdate = "f0cd2004-95da-4f4b-9ac8-aa55d312af0c"
	// CharHistoryV2 delivers history chunks by sequential reads (newer firmware).
	CharHistoryV2 = "f0cd2005-95da-4f4b-9ac8-aa55d312af0c"
	// CharSensorState exposes current device settings.
	CharSensorState = "f0cd1401-95da-4f4b-9ac8-aa55d312af0c"
	// CharCommand accepts settings and history request opcodes.
	CharCommand = "f0cd1402-95da-4f4b-9ac8-aa55d312af0c"
	// CharCalibration exposes raw calibration data.
	CharCalibration = "f0cd1502-95da-4f4b-9ac8-aa55d312af0c"
)

// Standard BLE services and characteristics used for device identity.
const (
	ServiceGAP        = "00001800-0000-1000-8000-00805f9b34fb"
	ServiceDeviceInfo = "0000180a-0000-1000-8000-00805f9b34fb"
	ServiceBattery    = "0000180f-0000-1000-8000-00805f9b34fb"

	CharDeviceName       = "00002a00-0000-1000-8000-00805f9b34fb"
	CharModelNumber      = "00002a24-0000-1000-8000-00805f9b34fb"
	CharSerialNumber     = "00002a25-0000-1000-8000-00805f9b34fb"
	CharFirmwareRevision = "00002a26-0000-1000-8000-00805f9b34fb"
	CharHardwareRevision = "00002a27-0000-1000-8000-00805f9b34fb"
	CharSoftwareRevision = "00002a28-0000-1000-8000-00805f9b34fb"
	CharManufacturerName = "00002a29-0000-1000-8000-00805f9b34fb"
	CharBatteryLevel     = "00002a19-0000-1000-8000-00805f9b34fb"
)
