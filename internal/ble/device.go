package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cameronrye/aranet/internal/ble/protocol"
	"github.com/cameronrye/aranet/internal/sensor"
)

// State is the connection lifecycle state of one device.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrIO marks a wire operation that failed without losing the link.
var ErrIO = errors.New("i/o failure")

// batteryLowThreshold is the level below which a BatteryLow event fires.
const batteryLowThreshold = 10

// DeviceOptions configures connection behavior.
type DeviceOptions struct {
	ConnectTimeout time.Duration // per connect attempt
	OpTimeout      time.Duration // per GATT operation
	// ReconnectMaxDelay caps the exponential backoff, in seconds.
	ReconnectMaxDelay int
	// ReconnectMaxAttempts bounds the reconnect loop before the device is
	// marked Failed.
	ReconnectMaxAttempts int
	// HistoryReadDelay paces V2 history reads.
	HistoryReadDelay time.Duration
	// AdaptiveDelay derives the history read delay from signal quality
	// instead of using HistoryReadDelay directly.
	AdaptiveDelay bool
}

// DefaultDeviceOptions returns sensible defaults.
func DefaultDeviceOptions() DeviceOptions {
	return DeviceOptions{
		ConnectTimeout:       30 * time.Second,
		OpTimeout:            5 * time.Second,
		ReconnectMaxDelay:    30,
		ReconnectMaxAttempts: 5,
		HistoryReadDelay:     50 * time.Millisecond,
	}
}

func (o DeviceOptions) withDefaults() DeviceOptions {
	def := DefaultDeviceOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = def.OpTimeout
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = def.ReconnectMaxAttempts
	}
	if o.HistoryReadDelay <= 0 {
		o.HistoryReadDelay = def.HistoryReadDelay
	}
	return o
}

// Device owns one physical BLE link to one Aranet sensor. At most one
// protocol operation is in flight at a time; operations serialize on an
// internal queue lock because the sensor exposes a single GATT session.
type Device struct {
	adapter Adapter
	address string
	opts    DeviceOptions
	sink    EventSink

	mu        sync.Mutex
	state     State
	lastErr   error
	conn      Connection
	chars     map[string]Characteristic
	service   string // custom service UUID generation that answered
	hasV2     bool   // history V2 characteristic present
	name      string
	devType   sensor.DeviceType
	typeOK    bool
	info      *sensor.DeviceInfo
	stopRecon chan struct{}

	// opMu serializes wire operations; never held while mu is taken first
	// by another goroutine path that acquires opMu.
	opMu sync.Mutex

	reconnecting atomic.Bool
	closed       atomic.Bool

	met metrics
}

// NewDevice creates a connection manager for the sensor at address.
// The advertised name, when known, seeds device type detection.
func NewDevice(adapter Adapter, address, name string, opts DeviceOptions, sink EventSink) *Device {
	d := &Device{
		adapter: adapter,
		address: address,
		name:    name,
		opts:    opts.withDefaults(),
		sink:    sink,
		chars:   make(map[string]Characteristic),
	}
	if dt, ok := sensor.DeviceTypeFromName(name); ok {
		d.devType = dt
		d.typeOK = true
	}
	return d
}

// Address returns the device's identity (MAC or platform UUID).
func (d *Device) Address() string { return d.address }

// Name returns the advertised device name, if known.
func (d *Device) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Type returns the detected device type. The second result is false until
// the type has been determined from a name or a connection.
func (d *Device) Type() (sensor.DeviceType, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devType, d.typeOK
}

// State returns the current connection state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastError returns the error that drove the last transition to Failed.
func (d *Device) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Metrics returns a snapshot of the per-device counters.
func (d *Device) Metrics() Metrics { return d.met.snapshot() }

// Connect establishes the BLE connection, discovers the Aranet service
// (probing the new service UUID first, then the pre-1.2.0 one), and arms
// the auto-reconnect handler.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case StateConnected, StateConnecting, StateReconnecting:
		d.mu.Unlock()
		return connErr("connect", ErrAlreadyConnected, nil)
	}
	d.state = StateConnecting
	d.mu.Unlock()

	if err := d.adapter.Enable(); err != nil {
		// Enabling the radio fails when the process lacks Bluetooth
		// permission or the adapter is switched off.
		d.setDisconnected()
		return connErr("enable adapter", ErrPermissionDenied, err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.opts.ConnectTimeout)
	defer cancel()
	conn, err := d.adapter.Connect(cctx, d.address)
	if err != nil {
		d.setDisconnected()
		if cctx.Err() != nil {
			return connErr("connect", ErrTimeout, err)
		}
		return connErr("connect", ErrNotFound, err)
	}

	if err := d.attach(conn); err != nil {
		conn.Disconnect()
		d.setDisconnected()
		return err
	}

	slog.Info("[BLE] connected", "device", d.address, "service", d.serviceGen())
	d.sink.emit(Event{Kind: EventConnected, Device: d.address})
	return nil
}

// attach discovers characteristics on conn and transitions to Connected.
func (d *Device) attach(conn Connection) error {
	chars, service, hasV2, err := d.discover(conn)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.chars = chars
	d.service = service
	d.hasV2 = hasV2
	d.state = StateConnected
	d.lastErr = nil
	if !d.typeOK {
		// No name-based hint: the Aranet4 detail characteristic only
		// exists on Aranet4 hardware.
		if _, ok := chars[protocol.CharCurrentReadingsDetail]; ok {
			d.devType = sensor.Aranet4
			d.typeOK = true
		}
	}
	d.mu.Unlock()

	conn.OnDisconnect(func() { d.handleLinkLoss() })

	if rssi, err := conn.RSSI(); err == nil {
		d.met.recordRSSI(rssi)
	}
	return nil
}

// discover probes both service UUID generations and collects every Aranet
// characteristic the device exposes, plus the standard identity strings.
func (d *Device) discover(conn Connection) (map[string]Characteristic, string, bool, error) {
	chars := make(map[string]Characteristic)

	service := ""
	for _, svc := range []string{protocol.ServiceNew, protocol.ServiceOld} {
		if _, err := conn.DiscoverCharacteristic(svc, protocol.CharCommand); err == nil {
			service = svc
			break
		}
	}
	if service == "" {
		return nil, "", false, connErr("discover", ErrNotFound, errors.New("no Aranet service"))
	}

	required := []string{protocol.CharCommand, protocol.CharTotalReadings, protocol.CharInterval}
	optional := []string{
		protocol.CharCurrentReadings,
		protocol.CharCurrentReadingsDetail,
		protocol.CharCurrentReadingsDetailAlt,
		protocol.CharSecondsSinceUpdate,
		protocol.CharHistoryV1,
		protocol.CharHistoryV2,
		protocol.CharSensorState,
		protocol.CharCalibration,
	}
	for _, uuid := range required {
		c, err := conn.DiscoverCharacteristic(service, uuid)
		if err != nil {
			return nil, "", false, connErr("discover", ErrNotFound, fmt.Errorf("characteristic %s: %w", uuid, err))
		}
		chars[uuid] = c
	}
	for _, uuid := range optional {
		if c, err := conn.DiscoverCharacteristic(service, uuid); err == nil {
			chars[uuid] = c
		}
	}
	for _, uuid := range []string{
		protocol.CharDeviceName,
		protocol.CharModelNumber,
		protocol.CharSerialNumber,
		protocol.CharFirmwareRevision,
		protocol.CharHardwareRevision,
		protocol.CharSoftwareRevision,
		protocol.CharManufacturerName,
	} {
		if c, err := conn.DiscoverCharacteristic(protocol.ServiceDeviceInfo, uuid); err == nil {
			chars[uuid] = c
		}
	}

	_, hasV2 := chars[protocol.CharHistoryV2]
	return chars, service, hasV2, nil
}

// Disconnect terminates the connection and stops any reconnect loop.
// Valid from every state.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	conn := d.conn
	stop := d.stopRecon
	d.conn = nil
	d.chars = make(map[string]Characteristic)
	d.state = StateDisconnected
	d.stopRecon = nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if conn != nil {
		conn.Disconnect()
		d.sink.emit(Event{Kind: EventDisconnected, Device: d.address, Reason: "user requested"})
	}
	return nil
}

// Close disconnects and marks the device unusable.
func (d *Device) Close() error {
	d.closed.Store(true)
	return d.Disconnect()
}

func (d *Device) setDisconnected() {
	d.mu.Lock()
	d.state = StateDisconnected
	d.conn = nil
	d.chars = make(map[string]Characteristic)
	d.mu.Unlock()
}

// handleLinkLoss reacts to an unsolicited disconnect: transition to
// Reconnecting and start the backoff loop. The atomic guard keeps
// concurrent disconnect callbacks from stacking loops.
func (d *Device) handleLinkLoss() {
	if d.closed.Load() {
		return
	}
	d.mu.Lock()
	if d.state != StateConnected {
		d.mu.Unlock()
		return
	}
	d.state = StateReconnecting
	d.conn = nil
	d.chars = make(map[string]Characteristic)
	stop := make(chan struct{})
	d.stopRecon = stop
	d.mu.Unlock()

	slog.Warn("[BLE] link lost, reconnecting", "device", d.address)
	d.sink.emit(Event{Kind: EventDisconnected, Device: d.address, Reason: "link lost"})

	if d.reconnecting.CompareAndSwap(false, true) {
		go d.reconnectLoop(stop)
	}
}

// reconnectLoop retries the connection with exponential backoff until it
// succeeds, the attempt cap is reached, or stop is closed.
func (d *Device) reconnectLoop(stop <-chan struct{}) {
	defer d.reconnecting.Store(false)

	for attempt := 1; attempt <= d.opts.ReconnectMaxAttempts; attempt++ {
		// First attempt is immediate; attempt n waits 2^(n-2) seconds.
		if attempt > 1 {
			delay := backoffDelay(attempt-2, d.opts.ReconnectMaxDelay)
			slog.Info("[BLE] reconnect backoff", "device", d.address, "attempt", attempt, "delay", delay)
			select {
			case <-stop:
				return
			case <-time.After(delay):
			}
		}
		select {
		case <-stop:
			return
		default:
		}

		d.met.recordReconnectAttempt()
		d.sink.emit(Event{Kind: EventReconnectStarted, Device: d.address, Attempt: attempt})

		ctx, cancel := context.WithTimeout(context.Background(), d.opts.ConnectTimeout)
		conn, err := d.adapter.Connect(ctx, d.address)
		cancel()
		if err != nil {
			slog.Warn("[BLE] reconnect failed", "device", d.address, "attempt", attempt, "error", err)
			d.sink.emit(Event{Kind: EventError, Device: d.address, Err: err})
			continue
		}

		// attach flips state to Connected; re-mark Reconnecting first so
		// the transition is atomic with respect to observers.
		if err := d.attach(conn); err != nil {
			conn.Disconnect()
			slog.Warn("[BLE] reconnect discovery failed", "device", d.address, "attempt", attempt, "error", err)
			d.sink.emit(Event{Kind: EventError, Device: d.address, Err: err})
			continue
		}

		// Disconnect may have raced the successful attempt; honor it
		// rather than leaving a link the user asked to drop.
		select {
		case <-stop:
			conn.Disconnect()
			d.setDisconnected()
			return
		default:
		}

		slog.Info("[BLE] reconnected", "device", d.address, "attempts", attempt)
		d.sink.emit(Event{Kind: EventReconnectSucceeded, Device: d.address, Attempt: attempt})
		d.sink.emit(Event{Kind: EventConnected, Device: d.address})
		return
	}

	err := connErr("reconnect", ErrLinkLost, fmt.Errorf("gave up after %d attempts", d.opts.ReconnectMaxAttempts))
	d.mu.Lock()
	if d.state != StateReconnecting {
		// A user disconnect superseded the loop; keep its state.
		d.mu.Unlock()
		return
	}
	d.state = StateFailed
	d.lastErr = err
	d.mu.Unlock()
	slog.Error("[BLE] reconnect attempts exhausted", "device", d.address, "attempts", d.opts.ReconnectMaxAttempts)
	d.sink.emit(Event{Kind: EventError, Device: d.address, Err: err})
}

// backoffDelay returns the reconnection delay for attempt n, capped at
// maxSeconds. The shift is clamped so large attempt numbers cannot overflow.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt > 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// characteristic returns a discovered characteristic by UUID.
func (d *Device) characteristic(uuid string) (Characteristic, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateConnected {
		return nil, connErr("characteristic", ErrNotConnected, nil)
	}
	c, ok := d.chars[uuid]
	if !ok {
		return nil, connErr("characteristic", ErrNotFound, fmt.Errorf("uuid %s", uuid))
	}
	return c, nil
}

// readChar performs one characteristic read with the per-operation timeout.
// A timeout leaves the connection in Connected state: the link is assumed
// transiently busy, and the error is retryable.
func (d *Device) readChar(ctx context.Context, op, uuid string) ([]byte, error) {
	c, err := d.characteristic(uuid)
	if err != nil {
		d.met.recordFailure()
		return nil, err
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := c.Read()
		ch <- result{data, err}
	}()

	timer := time.NewTimer(d.opts.OpTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		d.met.recordFailure()
		return nil, connErr(op, ErrTimeout, ctx.Err())
	case <-timer.C:
		d.met.recordFailure()
		return nil, connErr(op, ErrTimeout, nil)
	case r := <-ch:
		if r.err != nil {
			d.met.recordFailure()
			if d.State() != StateConnected {
				return nil, connErr(op, ErrLinkLost, r.err)
			}
			return nil, connErr(op, ErrIO, r.err)
		}
		d.met.recordSuccess()
		return r.data, nil
	}
}

// writeChar performs one characteristic write with the per-operation timeout.
func (d *Device) writeChar(ctx context.Context, op, uuid string, data []byte) error {
	c, err := d.characteristic(uuid)
	if err != nil {
		d.met.recordFailure()
		return err
	}

	ch := make(chan error, 1)
	go func() { ch <- c.Write(data) }()

	timer := time.NewTimer(d.opts.OpTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		d.met.recordFailure()
		return connErr(op, ErrTimeout, ctx.Err())
	case <-timer.C:
		d.met.recordFailure()
		return connErr(op, ErrTimeout, nil)
	case err := <-ch:
		if err != nil {
			d.met.recordFailure()
			if d.State() != StateConnected {
				return connErr(op, ErrLinkLost, err)
			}
			return connErr(op, ErrIO, err)
		}
		d.met.recordSuccess()
		return nil
	}
}

// ReadCurrent reads and decodes the current sensor values.
func (d *Device) ReadCurrent(ctx context.Context) (sensor.CurrentReading, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	dt, uuid, err := d.readingSource()
	if err != nil {
		return sensor.CurrentReading{}, err
	}
	data, err := d.readChar(ctx, "read current", uuid)
	if err != nil {
		return sensor.CurrentReading{}, err
	}
	reading, err := protocol.DecodeCurrentReading(dt, data)
	if err != nil {
		d.sink.emit(Event{Kind: EventError, Device: d.address, Err: err})
		return sensor.CurrentReading{}, err
	}

	d.sink.emit(Event{Kind: EventReadingUpdated, Device: d.address, Reading: &reading})
	if reading.Battery > 0 && reading.Battery < batteryLowThreshold {
		d.sink.emit(Event{Kind: EventBatteryLow, Device: d.address, Battery: reading.Battery})
	}
	return reading, nil
}

// readingSource picks the detail characteristic matching the device type.
func (d *Device) readingSource() (sensor.DeviceType, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateConnected {
		return 0, "", connErr("read current", ErrNotConnected, nil)
	}
	if !d.typeOK {
		return 0, "", protoErr("read current", ErrUnexpectedResponse, errors.New("device type unknown"))
	}
	uuid := protocol.CharCurrentReadingsDetailAlt
	if d.devType == sensor.Aranet4 {
		uuid = protocol.CharCurrentReadingsDetail
	}
	return d.devType, uuid, nil
}

// ReadInfo fetches device identity metadata. The result is cached for the
// life of the Device; identity does not change between connections.
func (d *Device) ReadInfo(ctx context.Context) (sensor.DeviceInfo, error) {
	d.mu.Lock()
	if d.info != nil {
		info := *d.info
		d.mu.Unlock()
		return info, nil
	}
	d.mu.Unlock()

	d.opMu.Lock()
	defer d.opMu.Unlock()

	read := func(uuid string) (string, error) {
		data, err := d.readChar(ctx, "read info", uuid)
		if err != nil {
			return "", err
		}
		return protocol.DecodeDeviceInfoString(data)
	}

	var info sensor.DeviceInfo
	var err error
	if info.Name, err = read(protocol.CharDeviceName); err != nil {
		// Some platforms withhold the GAP name characteristic; fall back
		// to the advertised name.
		if !errors.Is(err, ErrNotFound) {
			return sensor.DeviceInfo{}, err
		}
		info.Name = d.Name()
	}
	if info.Model, err = read(protocol.CharModelNumber); err != nil {
		return sensor.DeviceInfo{}, err
	}
	if info.Serial, err = read(protocol.CharSerialNumber); err != nil {
		return sensor.DeviceInfo{}, err
	}
	if info.Firmware, err = read(protocol.CharFirmwareRevision); err != nil {
		return sensor.DeviceInfo{}, err
	}
	// Revision strings beyond firmware are nice to have.
	info.Hardware, _ = read(protocol.CharHardwareRevision)
	info.Software, _ = read(protocol.CharSoftwareRevision)
	info.Manufacturer, _ = read(protocol.CharManufacturerName)

	d.mu.Lock()
	d.info = &info
	d.mu.Unlock()
	return info, nil
}

// ReadSettings reads the live device settings. No copy is cached: settings
// can change out from under the client, so every call is a round trip.
func (d *Device) ReadSettings(ctx context.Context) (sensor.Settings, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	data, err := d.readChar(ctx, "read settings", protocol.CharSensorState)
	if err != nil {
		return sensor.Settings{}, err
	}
	return protocol.DecodeSensorState(data)
}

// SetInterval writes the measurement interval in minutes (1, 2, 5, or 10).
func (d *Device) SetInterval(ctx context.Context, minutes uint8) error {
	cmd, err := protocol.EncodeSetInterval(minutes)
	if err != nil {
		return err
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	slog.Info("[BLE] set interval", "device", d.address, "minutes", minutes)
	return d.writeChar(ctx, "set interval", protocol.CharCommand, cmd)
}

// SetSmartHome toggles the Smart Home advertisement broadcasts that enable
// passive monitoring.
func (d *Device) SetSmartHome(ctx context.Context, enabled bool) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	slog.Info("[BLE] set smart home", "device", d.address, "enabled", enabled)
	return d.writeChar(ctx, "set smart home", protocol.CharCommand, protocol.EncodeSetSmartHome(enabled))
}

// SetRange sets the Bluetooth transmit range.
func (d *Device) SetRange(ctx context.Context, extended bool) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	slog.Info("[BLE] set range", "device", d.address, "extended", extended)
	return d.writeChar(ctx, "set range", protocol.CharCommand, protocol.EncodeSetRange(extended))
}

// RefreshRSSI reads the link's signal strength and records it in metrics.
func (d *Device) RefreshRSSI() (int16, error) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return 0, connErr("rssi", ErrNotConnected, nil)
	}
	rssi, err := conn.RSSI()
	if err != nil {
		return 0, connErr("rssi", ErrIO, err)
	}
	d.met.recordRSSI(rssi)
	return rssi, nil
}

func (d *Device) serviceGen() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.service == protocol.ServiceOld {
		return "pre-1.2.0"
	}
	return "1.2.0+"
}
