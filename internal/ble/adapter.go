// Package ble provides the client for communicating with Aranet
// environmental sensors over Bluetooth Low Energy. It owns connection
// lifecycle management with auto-reconnect, serialized GATT operations,
// settings read/write, and the two-generation history download protocol.
package ble

import "context"

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read fetches the current characteristic value.
	Read() ([]byte, error)
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notification delivery.
	Unsubscribe() error
}

// ScanResult is one advertisement observed during a scan.
type ScanResult struct {
	Name    string
	Address string
	RSSI    int16
	// ManufacturerData maps company identifiers to their advertisement
	// payloads. Aranet readings live under protocol.ManufacturerID.
	ManufacturerData map[uint16][]byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RSSI reads the current received signal strength.
	RSSI() (int16, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan streams advertisements to the callback until ctx is done.
	Scan(ctx context.Context, callback func(ScanResult)) error
	// Connect establishes a connection to the device at the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
