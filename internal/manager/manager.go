// Package manager coordinates a fleet of Aranet sensors: it owns one
// connection manager per device, resolves config aliases, runs scans and
// fleet-wide refreshes, keeps the store in sync, and fans device events
// out to subscribers.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cameronrye/aranet/internal/ble"
	"github.com/cameronrye/aranet/internal/ble/protocol"
	"github.com/cameronrye/aranet/internal/config"
	"github.com/cameronrye/aranet/internal/sensor"
	"github.com/cameronrye/aranet/internal/store"
)

// Discovery is one Aranet sensor observed during a scan. Reading is set
// when the device advertises Smart Home manufacturer data; name-only
// sightings have a nil Reading.
type Discovery struct {
	Address string
	Name    string
	Type    sensor.DeviceType
	RSSI    int16
	Reading *sensor.CurrentReading
}

// RefreshResult is one device's outcome from a fleet-wide refresh.
// Results are positional: one per device, failures in place.
type RefreshResult struct {
	Device  string
	Alias   string
	Reading sensor.CurrentReading
	Err     error
}

// Manager coordinates multiple sensors over one shared adapter.
type Manager struct {
	adapter ble.Adapter
	cfg     *config.Config
	st      *store.Store // nil disables persistence

	devOpts ble.DeviceOptions

	mu      sync.Mutex
	devices map[string]*ble.Device // keyed by address
	latest  map[string]sensor.CurrentReading
	subs    map[int]chan ble.Event
	nextSub int
	closed  bool
}

// New creates a manager. The store may be nil when persistence is not
// wanted (one-shot CLI reads).
func New(adapter ble.Adapter, cfg *config.Config, st *store.Store) *Manager {
	return &Manager{
		adapter: adapter,
		cfg:     cfg,
		st:      st,
		devOpts: ble.DeviceOptions{
			ConnectTimeout:       time.Duration(cfg.Connection.ConnectTimeoutSeconds) * time.Second,
			OpTimeout:            time.Duration(cfg.Connection.OpTimeoutSeconds) * time.Second,
			ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelaySeconds,
			ReconnectMaxAttempts: cfg.Connection.ReconnectMaxAttempts,
			HistoryReadDelay:     time.Duration(cfg.History.ReadDelayMillis) * time.Millisecond,
			AdaptiveDelay:        cfg.History.Adaptive,
		},
		devices: make(map[string]*ble.Device),
		latest:  make(map[string]sensor.CurrentReading),
		subs:    make(map[int]chan ble.Event),
	}
}

// Subscribe registers an event channel with the given buffer size. When the
// subscriber falls behind, buffered readings are coalesced to make room;
// connection transitions are never dropped, so a slow subscriber sees the
// latest readings but every Connected and Disconnected. Subscribers never
// block producers. The returned cancel function closes the channel.
func (m *Manager) Subscribe(buffer int) (<-chan ble.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ble.Event, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// publish records the latest reading per device and fans the event out to
// every subscriber, making room in full buffers without losing transitions.
func (m *Manager) publish(e ble.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Reading != nil && coalescable(e.Kind) {
		m.latest[e.Device] = *e.Reading
	}
	for _, ch := range m.subs {
		select {
		case ch <- e:
		default:
			offer(ch, e)
		}
	}
}

// coalescable reports whether an event kind may be shed for a slow
// subscriber. Readings and scan sightings arrive continuously and the
// newest supersedes the rest; every other kind marks a transition the
// subscriber must not miss.
func coalescable(k ble.EventKind) bool {
	return k == ble.EventReadingUpdated || k == ble.EventDiscovered
}

// offer makes room in a full subscriber buffer: the oldest coalescable
// event is evicted first. When the buffer holds only transitions, an
// incoming reading is shed instead; an incoming transition displaces the
// oldest entry. Caller holds m.mu, so this is the only producer touching
// the channel.
func offer(ch chan ble.Event, e ble.Event) {
	kept := make([]ble.Event, 0, len(ch))
	evicted := false
drain:
	for n := len(ch); n > 0; n-- {
		select {
		case old := <-ch:
			if !evicted && coalescable(old.Kind) {
				evicted = true
				continue
			}
			kept = append(kept, old)
		default:
			// The subscriber drained the rest concurrently.
			break drain
		}
	}
	if !evicted {
		if coalescable(e.Kind) {
			for _, ev := range kept {
				ch <- ev
			}
			select {
			case ch <- e:
			default:
			}
			return
		}
		if len(kept) > 0 {
			kept = kept[1:]
		}
	}
	for _, ev := range kept {
		ch <- ev
	}
	ch <- e
}

// LatestReading returns the most recently observed reading for a device,
// whether it arrived over an active connection or a passive advertisement.
func (m *Manager) LatestReading(aliasOrAddress string) (sensor.CurrentReading, bool) {
	dc := m.cfg.Resolve(aliasOrAddress)
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.latest[dc.Address]
	return r, ok
}

// Device returns the connection manager for an alias or address, creating
// it on first use. Unconfigured addresses work ad hoc.
func (m *Manager) Device(aliasOrAddress string) *ble.Device {
	dc := m.cfg.Resolve(aliasOrAddress)

	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[dc.Address]
	if !ok {
		dev = ble.NewDevice(m.adapter, dc.Address, "", m.devOpts, m.publish)
		m.devices[dc.Address] = dev
	}
	return dev
}

// Connect ensures the named device is connected and returns it.
func (m *Manager) Connect(ctx context.Context, aliasOrAddress string) (*ble.Device, error) {
	dev := m.Device(aliasOrAddress)
	if dev.State() == ble.StateConnected {
		return dev, nil
	}
	if err := dev.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", aliasOrAddress, err)
	}
	return dev, nil
}

// ConnectAll connects every configured device concurrently. Failures are
// joined; devices that did connect stay connected.
func (m *Manager) ConnectAll(ctx context.Context) error {
	devices := m.cfg.Devices
	errs := make([]error, len(devices))
	var wg sync.WaitGroup
	for i, dc := range devices {
		wg.Add(1)
		go func(i int, dc config.DeviceConfig) {
			defer wg.Done()
			if _, err := m.Connect(ctx, dc.Address); err != nil {
				errs[i] = err
			}
		}(i, dc)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Shutdown disconnects every device and closes all subscriber channels.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	devices := make([]*ble.Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	subs := m.subs
	m.subs = make(map[int]chan ble.Event)
	m.mu.Unlock()

	for _, d := range devices {
		d.Close()
	}
	for _, ch := range subs {
		close(ch)
	}
}

// Scan listens for advertisements until ctx is done or the configured scan
// timeout elapses, and returns every Aranet sensor seen. Devices with
// Smart Home broadcasts enabled carry a decoded reading; others are
// recognized by name only. Repeated sightings keep the newest data.
func (m *Manager) Scan(ctx context.Context) ([]Discovery, error) {
	timeout := time.Duration(m.cfg.Scan.TimeoutSeconds) * time.Second
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Discovery)
	order := []string{}

	err := m.adapter.Scan(sctx, func(result ble.ScanResult) {
		d, ok := classify(result)
		if !ok {
			return
		}

		mu.Lock()
		if _, dup := seen[d.Address]; !dup {
			order = append(order, d.Address)
		}
		seen[d.Address] = d
		mu.Unlock()

		m.publish(ble.Event{Kind: ble.EventDiscovered, Device: d.Address, Reading: d.Reading, RSSI: d.RSSI})
	})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	mu.Lock()
	discoveries := make([]Discovery, 0, len(order))
	for _, addr := range order {
		discoveries = append(discoveries, seen[addr])
	}
	mu.Unlock()

	if m.st != nil {
		for _, d := range discoveries {
			rec := store.DiscoveredDevice{
				Address:    d.Address,
				Name:       d.Name,
				DeviceType: d.Type,
				RSSI:       d.RSSI,
				LastSeen:   time.Now().UTC(),
			}
			if err := m.st.UpsertDevice(ctx, rec); err != nil {
				slog.Warn("[BLE] persist discovery failed", "device", d.Address, "error", err)
			}
		}
	}

	slog.Info("[BLE] scan complete", "found", len(discoveries))
	return discoveries, nil
}

// classify decides whether a scan result is an Aranet sensor, preferring
// the manufacturer-data advertisement over the name heuristic.
func classify(result ble.ScanResult) (Discovery, bool) {
	if data, ok := result.ManufacturerData[protocol.ManufacturerID]; ok {
		dt, reading, err := protocol.DecodeAdvertisement(protocol.ManufacturerID, data)
		if err == nil {
			return Discovery{
				Address: result.Address,
				Name:    result.Name,
				Type:    dt,
				RSSI:    result.RSSI,
				Reading: &reading,
			}, true
		}
		slog.Debug("[BLE] undecodable advertisement", "device", result.Address, "error", err)
	}
	if dt, ok := sensor.DeviceTypeFromName(result.Name); ok {
		return Discovery{
			Address: result.Address,
			Name:    result.Name,
			Type:    dt,
			RSSI:    result.RSSI,
		}, true
	}
	return Discovery{}, false
}

// RefreshAll reads the current values from every managed device
// concurrently. Results are positional in device-address order; a failed
// device yields its error in place and does not disturb the others.
// Successful readings are persisted when a store is attached.
func (m *Manager) RefreshAll(ctx context.Context) []RefreshResult {
	m.mu.Lock()
	addrs := make([]string, 0, len(m.devices))
	for addr := range m.devices {
		addrs = append(addrs, addr)
	}
	m.mu.Unlock()
	sort.Strings(addrs)

	results := make([]RefreshResult, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			dev := m.Device(addr)
			alias := m.cfg.Resolve(addr).Alias
			reading, err := dev.ReadCurrent(ctx)
			results[i] = RefreshResult{Device: addr, Alias: alias, Reading: reading, Err: err}
			if err != nil {
				return
			}
			if m.st != nil {
				if err := m.st.InsertSnapshot(ctx, addr, reading, time.Now().UTC()); err != nil {
					slog.Warn("[BLE] persist snapshot failed", "device", addr, "error", err)
				}
			}
		}(i, addr)
	}
	wg.Wait()
	return results
}

// SyncHistory downloads the history the named device accumulated since the
// last sync and persists it. Returns the number of new records stored.
func (m *Manager) SyncHistory(ctx context.Context, aliasOrAddress string) (int, error) {
	if m.st == nil {
		return 0, errors.New("history sync requires a store")
	}

	dev, err := m.Connect(ctx, aliasOrAddress)
	if err != nil {
		return 0, err
	}
	addr := dev.Address()

	last, err := m.st.LastSyncedIndex(ctx, addr)
	if err != nil {
		return 0, err
	}
	total, err := dev.TotalReadings(ctx)
	if err != nil {
		return 0, err
	}
	if total <= last {
		// Nothing new; a shrunken total means the archive rolled over, so
		// resync from the beginning next time.
		if total < last {
			if err := m.st.SetLastSyncedIndex(ctx, addr, 0); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	records, err := dev.DownloadHistory(ctx, ble.HistoryOptions{
		StartIndex: last + 1,
		ReadDelay:  m.devOpts.HistoryReadDelay,
		Adaptive:   m.devOpts.AdaptiveDelay,
	})
	if err != nil {
		return 0, err
	}

	inserted, err := m.st.InsertHistory(ctx, addr, records)
	if err != nil {
		return 0, err
	}
	if err := m.st.SetLastSyncedIndex(ctx, addr, total); err != nil {
		return 0, err
	}

	slog.Info("[BLE] history synced", "device", addr, "records", inserted, "through", total)
	return inserted, nil
}

// Watch polls every configured device until ctx is done, publishing
// readings as events and persisting them. Each device runs its own loop so
// a slow or reconnecting sensor never delays the rest. A passive scan runs
// alongside the polls, folding Smart Home advertisements into the same
// stream, so the gaps between polls still see fresh data when the sensor
// broadcasts it.
func (m *Manager) Watch(ctx context.Context) error {
	if len(m.cfg.Devices) == 0 {
		return errors.New("no devices configured")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.passiveWatch(ctx)
	}()
	for _, dc := range m.cfg.Devices {
		wg.Add(1)
		go func(dc config.DeviceConfig) {
			defer wg.Done()
			m.watchDevice(ctx, dc)
		}(dc)
	}
	wg.Wait()
	return ctx.Err()
}

// passiveWatch listens for advertisements from the watched devices and
// publishes their decoded readings until ctx is done.
func (m *Manager) passiveWatch(ctx context.Context) {
	watched := make(map[string]bool, len(m.cfg.Devices))
	for _, dc := range m.cfg.Devices {
		watched[dc.Address] = true
	}

	for ctx.Err() == nil {
		err := m.adapter.Scan(ctx, func(result ble.ScanResult) {
			d, ok := classify(result)
			if !ok || d.Reading == nil || !watched[d.Address] {
				return
			}
			m.publish(ble.Event{Kind: ble.EventReadingUpdated, Device: d.Address, Reading: d.Reading, RSSI: d.RSSI})
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("[BLE] passive watch scan failed", "error", err)
		}
		// The scan ended early; pause before restarting it.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (m *Manager) watchDevice(ctx context.Context, dc config.DeviceConfig) {
	fallback := time.Duration(m.cfg.Poll.IntervalSeconds) * time.Second
	if dc.PollIntervalSeconds > 0 {
		fallback = time.Duration(dc.PollIntervalSeconds) * time.Second
	}

	for {
		delay := fallback
		dev, err := m.Connect(ctx, dc.Address)
		if err != nil {
			slog.Warn("[BLE] watch connect failed", "device", dc.Address, "error", err)
		} else if reading, err := dev.ReadCurrent(ctx); err != nil {
			slog.Warn("[BLE] watch read failed", "device", dc.Address, "error", err)
		} else {
			if m.st != nil {
				if err := m.st.InsertSnapshot(ctx, dev.Address(), reading, time.Now().UTC()); err != nil {
					slog.Warn("[BLE] persist snapshot failed", "device", dev.Address(), "error", err)
				}
			}
			if dc.PollIntervalSeconds == 0 && m.cfg.Poll.Adaptive {
				delay = nextPollDelay(reading, fallback)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// pollSlack is added past the expected sample time so the poll lands after
// the sensor has actually measured.
const pollSlack = 5 * time.Second

// nextPollDelay aligns the next poll with the sensor's own measurement
// cadence: the next sample is due interval-age seconds from now.
func nextPollDelay(r sensor.CurrentReading, fallback time.Duration) time.Duration {
	if r.Interval == 0 {
		return fallback
	}
	if r.Age >= r.Interval {
		// The sample is overdue; re-poll shortly.
		return pollSlack
	}
	return time.Duration(r.Interval-r.Age)*time.Second + pollSlack
}
