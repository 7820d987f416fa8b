package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// HardwareAdapter wraps tinygo-org/bluetooth. On macOS, device addresses
// are CoreBluetooth UUIDs rather than MAC addresses; the address strings in
// config and Device structs store whichever form the platform uses.
type HardwareAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections and rssi maps.
	mu          sync.Mutex
	connections map[string]*hardwareConnection // keyed by device address
	rssi        map[string]int16               // last advertisement RSSI
}

// NewHardwareAdapter creates an adapter over the platform BLE stack.
func NewHardwareAdapter() *HardwareAdapter {
	return &HardwareAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*hardwareConnection),
		rssi:        make(map[string]int16),
	}
}

func (a *HardwareAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Adapter-level connect/disconnect handler. tinygo/bluetooth fires this
	// with connected=false when a peripheral drops, which is what drives
	// the per-device reconnect loops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		a.mu.Unlock()
		if ok && conn.disconnectCb != nil {
			conn.disconnectCb()
		}
	})

	return nil
}

// Scan streams every advertisement to the callback until ctx is done.
// Filtering (by manufacturer data, by name) is the caller's job; the
// adapter only surfaces what the radio saw.
func (a *HardwareAdapter) Scan(ctx context.Context, callback func(ScanResult)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()
	defer close(done)

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()

		a.mu.Lock()
		a.rssi[addr] = result.RSSI
		a.mu.Unlock()

		var mfr map[uint16][]byte
		if elements := result.ManufacturerData(); len(elements) > 0 {
			mfr = make(map[uint16][]byte, len(elements))
			for _, el := range elements {
				mfr[el.CompanyID] = el.Data
			}
		}
		callback(ScanResult{
			Name:             result.LocalName(),
			Address:          addr,
			RSSI:             result.RSSI,
			ManufacturerData: mfr,
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *HardwareAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// Wrap it to also respect ctx cancellation; the underlying attempt
	// cannot be aborted from here, but the caller gets control back.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, result.err)
		}
		conn := &hardwareConnection{adapter: a, address: address, device: &result.device}

		// Track the connection so the adapter-level disconnect handler can
		// find it and fire its OnDisconnect callback.
		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that HardwareAdapter implements Adapter.
var _ Adapter = (*HardwareAdapter)(nil)

type hardwareConnection struct {
	adapter      *HardwareAdapter
	address      string
	device       *bluetooth.Device
	disconnectCb func()
}

func (c *hardwareConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &hardwareCharacteristic{char: &chars[0]}, nil
}

// RSSI returns the signal strength from the device's most recent
// advertisement. The platform stacks expose no live read on an established
// link, so this is as fresh as the last scan that saw the device.
func (c *hardwareConnection) RSSI() (int16, error) {
	c.adapter.mu.Lock()
	rssi, ok := c.adapter.rssi[c.address]
	c.adapter.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("ble: no RSSI observed for %s", c.address)
	}
	return rssi, nil
}

func (c *hardwareConnection) Disconnect() error {
	c.adapter.mu.Lock()
	delete(c.adapter.connections, c.address)
	c.adapter.mu.Unlock()
	return c.device.Disconnect()
}

func (c *hardwareConnection) OnDisconnect(cb func()) {
	c.disconnectCb = cb
}

type hardwareCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *hardwareCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 512)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *hardwareCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *hardwareCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *hardwareCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
