package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cameronrye/aranet/internal/ble/protocol"
	"github.com/cameronrye/aranet/internal/sensor"
)

// maxParamMismatchRetries bounds re-reads when a V2 chunk answers for a
// different parameter than the one requested.
const maxParamMismatchRetries = 3

// maxConsecutiveV1Timeouts bounds how long a V1 download waits for the next
// notification before giving up on the parameter.
const maxConsecutiveV1Timeouts = 3

// HistoryOptions configures one history download.
type HistoryOptions struct {
	// Start drops records older than this instant. Zero keeps everything.
	Start time.Time
	// End drops records newer than this instant. Zero keeps everything.
	End time.Time
	// StartIndex begins the download at a 1-based device index, for
	// incremental sync. Zero or one downloads the full archive.
	StartIndex uint16
	// Params overrides the parameter set. Nil downloads every parameter
	// the device type records.
	Params []protocol.Param
	// ReadDelay overrides the pacing delay between V2 request and read.
	ReadDelay time.Duration
	// Adaptive derives the pacing delay from link quality instead.
	Adaptive bool
}

// DownloadHistory drains the device's stored history and assembles full
// records. Parameters are downloaded one at a time over the V2 read-based
// transport when the device offers it, falling back to V1 notifications.
// A failure confined to one parameter leaves the other fields intact; the
// download errors only when no parameter could be fetched.
func (d *Device) DownloadHistory(ctx context.Context, opts HistoryOptions) ([]sensor.HistoryRecord, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	d.mu.Lock()
	dt, typeOK, hasV2 := d.devType, d.typeOK, d.hasV2
	d.mu.Unlock()
	if !typeOK {
		return nil, protoErr("download history", ErrUnexpectedResponse, fmt.Errorf("device type unknown"))
	}

	params := opts.Params
	if params == nil {
		params = protocol.ParamsForDevice(dt)
	}
	supported := make(map[protocol.Param]bool)
	for _, p := range protocol.ParamsForDevice(dt) {
		supported[p] = true
	}
	for _, p := range params {
		if !supported[p] {
			return nil, protoErr("download history", ErrUnsupportedParam, fmt.Errorf("%s on %s", p, dt))
		}
	}

	total, interval, age, err := d.historyInfo(ctx)
	if err != nil {
		return nil, err
	}
	if total == 0 {
		return nil, nil
	}
	startIdx := opts.StartIndex
	if startIdx == 0 {
		startIdx = 1
	}
	if startIdx > total {
		return nil, nil
	}

	delay := d.historyDelay(opts)
	slog.Info("[BLE] downloading history", "device", d.address,
		"total", total, "interval", interval, "params", len(params), "v2", hasV2)

	perParam := make(map[protocol.Param]map[uint16]uint32, len(params))
	var firstErr error
	for _, p := range params {
		var values map[uint16]uint32
		var err error
		if hasV2 {
			values, err = d.downloadParamV2(ctx, p, startIdx, total, delay)
		} else {
			values, err = d.downloadParamV1(ctx, p, startIdx, total)
		}
		if err != nil {
			slog.Warn("[BLE] history parameter failed", "device", d.address, "param", p, "error", err)
			d.sink.emit(Event{Kind: EventError, Device: d.address, Err: err})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		perParam[p] = values
	}
	if len(perParam) == 0 {
		return nil, firstErr
	}

	records := assembleRecords(params, perParam, startIdx, total, interval, age, time.Now())
	records = filterRecords(records, opts.Start, opts.End)
	slog.Info("[BLE] history downloaded", "device", d.address, "records", len(records))
	return records, nil
}

// TotalReadings reads the number of samples currently stored on the device.
// Callers syncing incrementally record this as their resume position.
func (d *Device) TotalReadings(ctx context.Context) (uint16, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	data, err := d.readChar(ctx, "read total readings", protocol.CharTotalReadings)
	if err != nil {
		return 0, err
	}
	return protocol.DecodeUint16("total readings", data)
}

// historyInfo reads the archive shape: stored reading count, sample
// interval in seconds, and the age of the newest sample.
func (d *Device) historyInfo(ctx context.Context) (total, interval, age uint16, err error) {
	data, err := d.readChar(ctx, "read total readings", protocol.CharTotalReadings)
	if err != nil {
		return 0, 0, 0, err
	}
	if total, err = protocol.DecodeUint16("total readings", data); err != nil {
		return 0, 0, 0, err
	}
	data, err = d.readChar(ctx, "read interval", protocol.CharInterval)
	if err != nil {
		return 0, 0, 0, err
	}
	if interval, err = protocol.DecodeUint16("interval", data); err != nil {
		return 0, 0, 0, err
	}
	// Age is best-effort: without it, the newest sample is assumed fresh.
	if data, err := d.readChar(ctx, "read sample age", protocol.CharSecondsSinceUpdate); err == nil {
		age, _ = protocol.DecodeUint16("sample age", data)
	}
	return total, interval, age, nil
}

// historyDelay picks the pacing delay between a V2 request and its read.
// Weak links get longer settle time; the sensor needs a moment to stage
// each chunk and re-reading too early yields stale packets.
func (d *Device) historyDelay(opts HistoryOptions) time.Duration {
	if opts.ReadDelay > 0 && !opts.Adaptive {
		return opts.ReadDelay
	}
	if opts.Adaptive || d.opts.AdaptiveDelay {
		if rssi, err := d.RefreshRSSI(); err == nil {
			switch SignalQualityFromRSSI(rssi) {
			case SignalExcellent:
				return 30 * time.Millisecond
			case SignalGood:
				return 50 * time.Millisecond
			case SignalFair:
				return 100 * time.Millisecond
			default:
				return 200 * time.Millisecond
			}
		}
	}
	return d.opts.HistoryReadDelay
}

// downloadParamV2 drains one parameter over the read-based transport:
// write a request for the next index, wait, read a chunk, repeat until the
// device answers with an empty chunk.
func (d *Device) downloadParamV2(ctx context.Context, p protocol.Param, start, total uint16, delay time.Duration) (map[uint16]uint32, error) {
	values := make(map[uint16]uint32, int(total))
	next := start
	mismatches := 0
	for {
		cmd, err := protocol.EncodeHistoryV2Request(p, next)
		if err != nil {
			return nil, err
		}
		if err := d.writeChar(ctx, "history request", protocol.CharCommand, cmd); err != nil {
			return nil, err
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, connErr("history request", ErrTimeout, err)
		}
		data, err := d.readChar(ctx, "history read", protocol.CharHistoryV2)
		if err != nil {
			return nil, err
		}
		chunk, err := protocol.DecodeHistoryChunkV2(data)
		if err != nil {
			return nil, protoErr("history read", ErrUnexpectedResponse, err)
		}
		if int(chunk.Count) != len(chunk.Values) {
			return nil, protoErr("history read", ErrCountMismatch,
				fmt.Errorf("chunk declared %d values, carried %d", chunk.Count, len(chunk.Values)))
		}
		if chunk.Param != p {
			// The sensor occasionally answers with the previous request's
			// parameter; re-read a bounded number of times.
			mismatches++
			if mismatches > maxParamMismatchRetries {
				return nil, protoErr("history read", ErrUnexpectedResponse,
					fmt.Errorf("requested %s, got %s", p, chunk.Param))
			}
			continue
		}
		mismatches = 0
		if len(chunk.Values) == 0 {
			// End marker.
			return values, nil
		}
		for i, v := range chunk.Values {
			values[chunk.StartIndex+uint16(i)] = v
		}
		next = chunk.StartIndex + uint16(len(chunk.Values))
		if next > total {
			return values, nil
		}
	}
}

// downloadParamV1 drains one parameter over the notification transport:
// subscribe, request the full range, and collect chunks until every index
// is covered or the link stays silent too long. Chunks may arrive out of
// order; the index map absorbs reordering.
func (d *Device) downloadParamV1(ctx context.Context, p protocol.Param, start, total uint16) (map[uint16]uint32, error) {
	c, err := d.characteristic(protocol.CharHistoryV1)
	if err != nil {
		return nil, err
	}

	type delivery struct {
		chunk protocol.HistoryChunk
		err   error
	}
	ch := make(chan delivery, 32)
	err = c.Subscribe(func(data []byte) {
		chunk, err := protocol.DecodeHistoryChunkV1(data)
		select {
		case ch <- delivery{chunk, err}:
		default:
			// Collector fell behind; the gap surfaces as missing indices.
		}
	})
	if err != nil {
		return nil, connErr("history subscribe", ErrIO, err)
	}
	defer c.Unsubscribe()

	want := int(total - start + 1)
	cmd, err := protocol.EncodeHistoryV1Request(p, start, uint16(want))
	if err != nil {
		return nil, err
	}
	if err := d.writeChar(ctx, "history request", protocol.CharCommand, cmd); err != nil {
		return nil, err
	}

	values := make(map[uint16]uint32, want)
	timeouts := 0
	for len(values) < want {
		timer := time.NewTimer(d.opts.OpTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, connErr("history collect", ErrTimeout, ctx.Err())
		case <-timer.C:
			timeouts++
			if timeouts >= maxConsecutiveV1Timeouts {
				return nil, connErr("history collect", ErrTimeout,
					fmt.Errorf("got %d of %d values", len(values), want))
			}
		case dl := <-ch:
			timer.Stop()
			if dl.err != nil {
				return nil, protoErr("history collect", ErrUnexpectedResponse, dl.err)
			}
			if dl.chunk.Param != p {
				continue
			}
			timeouts = 0
			for i, v := range dl.chunk.Values {
				idx := dl.chunk.StartIndex + uint16(i)
				if idx >= start && idx <= total {
					values[idx] = v
				}
			}
		}
	}
	return values, nil
}

// assembleRecords merges per-parameter index maps into full records and
// reconstructs timestamps. The newest sample is age seconds old; sample i
// precedes it by (total-i) intervals. An interval change mid-archive makes
// older timestamps drift, which is inherent: the device never transmits
// per-sample times.
func assembleRecords(params []protocol.Param, perParam map[protocol.Param]map[uint16]uint32, start, total, interval, age uint16, now time.Time) []sensor.HistoryRecord {
	newest := now.Add(-time.Duration(age) * time.Second)
	step := time.Duration(interval) * time.Second

	records := make([]sensor.HistoryRecord, 0, int(total-start+1))
	for idx := start; idx <= total; idx++ {
		rec := sensor.HistoryRecord{
			Timestamp: newest.Add(-time.Duration(total-idx) * step),
		}
		any := false
		for _, p := range params {
			if v, ok := perParam[p][idx]; ok {
				protocol.ApplyHistoryValue(p, v, &rec)
				any = true
			}
		}
		if any {
			records = append(records, rec)
		}
	}
	return records
}

// filterRecords keeps records within the inclusive [start, end] window.
func filterRecords(records []sensor.HistoryRecord, start, end time.Time) []sensor.HistoryRecord {
	if start.IsZero() && end.IsZero() {
		return records
	}
	out := records[:0]
	for _, r := range records {
		if !start.IsZero() && r.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// sleepCtx pauses for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
