package ble

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/cameronrye/aranet/internal/ble/protocol"
)

// v2Chunk builds a V2 history packet: 10-byte header plus values in the
// parameter's wire width.
func v2Chunk(p protocol.Param, interval, total, age, start uint16, values []uint32) []byte {
	buf := make([]byte, 10, 10+len(values)*p.ValueSize())
	buf[0] = byte(p)
	binary.LittleEndian.PutUint16(buf[1:3], interval)
	binary.LittleEndian.PutUint16(buf[3:5], total)
	binary.LittleEndian.PutUint16(buf[5:7], age)
	binary.LittleEndian.PutUint16(buf[7:9], start)
	buf[9] = byte(len(values))
	for _, v := range values {
		switch p.ValueSize() {
		case 1:
			buf = append(buf, byte(v))
		case 2:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		default:
			buf = binary.LittleEndian.AppendUint32(buf, v)
		}
	}
	return buf
}

// v1Chunk builds a V1 notification packet: 3-byte header plus values.
func v1Chunk(p protocol.Param, start uint16, values []uint32) []byte {
	buf := make([]byte, 3, 3+len(values)*p.ValueSize())
	buf[0] = byte(p)
	binary.LittleEndian.PutUint16(buf[1:3], start)
	for _, v := range values {
		switch p.ValueSize() {
		case 1:
			buf = append(buf, byte(v))
		case 2:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(v))
		default:
			buf = binary.LittleEndian.AppendUint32(buf, v)
		}
	}
	return buf
}

// serveHistoryV2 wires the V2 history characteristic to answer the most
// recent request on the command characteristic from a per-parameter value
// table, chunkSize values at a time.
func serveHistoryV2(conn *mockConnection, data map[protocol.Param][]uint32, interval, age uint16, chunkSize int) {
	cmd := conn.char(protocol.CharCommand)
	conn.char(protocol.CharHistoryV2).readFn = func() ([]byte, error) {
		w := cmd.lastWrite()
		if len(w) != 4 || w[0] != protocol.OpHistoryV2Request {
			return nil, errors.New("mock: no pending history request")
		}
		p := protocol.Param(w[1])
		start := binary.LittleEndian.Uint16(w[2:4])
		vals := data[p]
		total := uint16(len(vals))
		if start > total {
			return v2Chunk(p, interval, total, age, start, nil), nil
		}
		end := int(start) - 1 + chunkSize
		if end > len(vals) {
			end = len(vals)
		}
		return v2Chunk(p, interval, total, age, start, vals[start-1:end]), nil
	}
}

// scriptHistoryInfo scripts the archive-shape characteristics.
func scriptHistoryInfo(conn *mockConnection, total, interval, age uint16) {
	conn.char(protocol.CharTotalReadings).reads = [][]byte{binary.LittleEndian.AppendUint16(nil, total)}
	conn.char(protocol.CharInterval).reads = [][]byte{binary.LittleEndian.AppendUint16(nil, interval)}
	conn.char(protocol.CharSecondsSinceUpdate).reads = [][]byte{binary.LittleEndian.AppendUint16(nil, age)}
}

func connectTestDevice(t *testing.T, adapter *mockAdapter, name string) *Device {
	t.Helper()
	dev := NewDevice(adapter, "AA:BB:CC:DD:EE:FF", name, testOpts(), nil)
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return dev
}

func TestDownloadHistoryV2(t *testing.T) {
	adapter := newMockAdapter()
	conn := newMockConnection()
	scriptHistoryInfo(conn, 5, 60, 30)
	serveHistoryV2(conn, map[protocol.Param][]uint32{
		protocol.ParamTemperature: {400, 405, 410, 415, 420},
		protocol.ParamHumidity:    {40, 41, 42, 43, 44},
	}, 60, 30, 2)
	adapter.newConn = func() *mockConnection { return conn }

	dev := connectTestDevice(t, adapter, "Aranet2 00B1A")
	before := time.Now()
	records, err := dev.DownloadHistory(context.Background(), HistoryOptions{})
	if err != nil {
		t.Fatalf("DownloadHistory() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("got %d records, want 5", len(records))
	}

	if records[0].Temperature != 20.0 || records[4].Temperature != 21.0 {
		t.Errorf("temperatures = %v .. %v, want 20.0 .. 21.0",
			records[0].Temperature, records[4].Temperature)
	}
	if records[2].Humidity != 42 {
		t.Errorf("Humidity[2] = %d, want 42", records[2].Humidity)
	}

	// Newest record is age seconds old; the rest step back one interval.
	newest := records[4].Timestamp
	wantNewest := before.Add(-30 * time.Second)
	if d := newest.Sub(wantNewest); d < 0 || d > 2*time.Second {
		t.Errorf("newest timestamp = %v, want ~%v", newest, wantNewest)
	}
	for i := 1; i < len(records); i++ {
		if step := records[i].Timestamp.Sub(records[i-1].Timestamp); step != 60*time.Second {
			t.Errorf("timestamp step [%d] = %v, want 60s", i, step)
		}
	}
}

func TestDownloadHistoryV1OutOfOrderChunks(t *testing.T) {
	adapter := newMockAdapter()
	conn := newMockConnection()
	conn.missing = map[string]bool{protocol.CharHistoryV2: true}
	scriptHistoryInfo(conn, 5, 300, 10)

	// Answer a V1 request with chunks for indices 5, then 3-4: out of order
	// on purpose. The index map must absorb the reordering.
	history := conn.char(protocol.CharHistoryV1)
	conn.char(protocol.CharCommand).onWrite = func(w []byte) {
		if len(w) == 0 || w[0] != protocol.OpHistoryV1Request {
			return
		}
		history.SimulateNotification(v1Chunk(protocol.ParamTemperature, 5, []uint32{420}))
		history.SimulateNotification(v1Chunk(protocol.ParamTemperature, 3, []uint32{410, 415}))
	}
	adapter.newConn = func() *mockConnection { return conn }

	dev := connectTestDevice(t, adapter, "Aranet2 00B1A")
	records, err := dev.DownloadHistory(context.Background(), HistoryOptions{
		StartIndex: 3,
		Params:     []protocol.Param{protocol.ParamTemperature},
	})
	if err != nil {
		t.Fatalf("DownloadHistory() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	want := []float32{20.5, 20.75, 21.0}
	for i, w := range want {
		if records[i].Temperature != w {
			t.Errorf("Temperature[%d] = %v, want %v", i, records[i].Temperature, w)
		}
	}
	for i := 1; i < len(records); i++ {
		if !records[i].Timestamp.After(records[i-1].Timestamp) {
			t.Errorf("timestamps not ascending at %d", i)
		}
	}
}

func TestDownloadHistoryParamMismatchRetry(t *testing.T) {
	adapter := newMockAdapter()
	conn := newMockConnection()
	scriptHistoryInfo(conn, 2, 60, 0)

	// First two reads answer for the wrong parameter; the download must
	// re-request and then accept the correct chunk.
	wrong := 2
	cmd := conn.char(protocol.CharCommand)
	conn.char(protocol.CharHistoryV2).readFn = func() ([]byte, error) {
		if wrong > 0 {
			wrong--
			return v2Chunk(protocol.ParamHumidity, 60, 2, 0, 1, []uint32{40, 41}), nil
		}
		w := cmd.lastWrite()
		start := binary.LittleEndian.Uint16(w[2:4])
		if start > 2 {
			return v2Chunk(protocol.ParamTemperature, 60, 2, 0, start, nil), nil
		}
		return v2Chunk(protocol.ParamTemperature, 60, 2, 0, 1, []uint32{400, 410}), nil
	}
	adapter.newConn = func() *mockConnection { return conn }

	dev := connectTestDevice(t, adapter, "Aranet2 00B1A")
	records, err := dev.DownloadHistory(context.Background(), HistoryOptions{
		Params: []protocol.Param{protocol.ParamTemperature},
	})
	if err != nil {
		t.Fatalf("DownloadHistory() error = %v", err)
	}
	if len(records) != 2 || records[1].Temperature != 20.5 {
		t.Errorf("records = %+v, want 2 records ending at 20.5", records)
	}
}

func TestDownloadHistoryPartialParamFailure(t *testing.T) {
	adapter := newMockAdapter()
	conn := newMockConnection()
	scriptHistoryInfo(conn, 2, 60, 0)

	// Temperature downloads fine; humidity answers with the wrong parameter
	// until the retry budget runs out. The download keeps the good field.
	cmd := conn.char(protocol.CharCommand)
	conn.char(protocol.CharHistoryV2).readFn = func() ([]byte, error) {
		w := cmd.lastWrite()
		p := protocol.Param(w[1])
		start := binary.LittleEndian.Uint16(w[2:4])
		if p == protocol.ParamHumidity {
			return v2Chunk(protocol.ParamTemperature, 60, 2, 0, 1, []uint32{400, 410}), nil
		}
		if start > 2 {
			return v2Chunk(p, 60, 2, 0, start, nil), nil
		}
		return v2Chunk(p, 60, 2, 0, 1, []uint32{400, 410}), nil
	}
	adapter.newConn = func() *mockConnection { return conn }

	dev := connectTestDevice(t, adapter, "Aranet2 00B1A")
	records, err := dev.DownloadHistory(context.Background(), HistoryOptions{})
	if err != nil {
		t.Fatalf("DownloadHistory() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Temperature != 20.0 {
		t.Errorf("Temperature[0] = %v, want 20.0", records[0].Temperature)
	}
	if records[0].Humidity != 0 {
		t.Errorf("Humidity[0] = %d, want 0 (parameter failed)", records[0].Humidity)
	}
}

func TestDownloadHistoryCountMismatch(t *testing.T) {
	adapter := newMockAdapter()
	conn := newMockConnection()
	scriptHistoryInfo(conn, 2, 60, 0)

	// The chunk declares three values but carries two: a corrupt packet,
	// not a legitimate short run.
	corrupt := v2Chunk(protocol.ParamTemperature, 60, 2, 0, 1, []uint32{400, 410})
	corrupt[9] = 3
	conn.char(protocol.CharHistoryV2).reads = [][]byte{corrupt}
	adapter.newConn = func() *mockConnection { return conn }

	dev := connectTestDevice(t, adapter, "Aranet2 00B1A")
	_, err := dev.DownloadHistory(context.Background(), HistoryOptions{
		Params: []protocol.Param{protocol.ParamTemperature},
	})
	if !errors.Is(err, ErrCountMismatch) {
		t.Errorf("DownloadHistory() error = %v, want ErrCountMismatch", err)
	}
}

func TestDownloadHistoryUnsupportedParam(t *testing.T) {
	adapter := newMockAdapter()
	dev := connectTestDevice(t, adapter, "Aranet2 00B1A")

	_, err := dev.DownloadHistory(context.Background(), HistoryOptions{
		Params: []protocol.Param{protocol.ParamCO2},
	})
	if !errors.Is(err, ErrUnsupportedParam) {
		t.Errorf("DownloadHistory() error = %v, want ErrUnsupportedParam", err)
	}
}

func TestDownloadHistoryEmptyArchive(t *testing.T) {
	adapter := newMockAdapter()
	conn := newMockConnection()
	scriptHistoryInfo(conn, 0, 60, 0)
	adapter.newConn = func() *mockConnection { return conn }

	dev := connectTestDevice(t, adapter, "Aranet2 00B1A")
	records, err := dev.DownloadHistory(context.Background(), HistoryOptions{})
	if err != nil {
		t.Fatalf("DownloadHistory() error = %v", err)
	}
	if records != nil {
		t.Errorf("records = %v, want nil", records)
	}
}

func TestDownloadHistoryTimeWindow(t *testing.T) {
	adapter := newMockAdapter()
	conn := newMockConnection()
	scriptHistoryInfo(conn, 5, 60, 0)
	serveHistoryV2(conn, map[protocol.Param][]uint32{
		protocol.ParamTemperature: {400, 405, 410, 415, 420},
		protocol.ParamHumidity:    {40, 41, 42, 43, 44},
	}, 60, 0, 5)
	adapter.newConn = func() *mockConnection { return conn }

	dev := connectTestDevice(t, adapter, "Aranet2 00B1A")
	// Keep only the newest two minutes of samples.
	records, err := dev.DownloadHistory(context.Background(), HistoryOptions{
		Start: time.Now().Add(-90 * time.Second),
	})
	if err != nil {
		t.Fatalf("DownloadHistory() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Temperature != 20.75 {
		t.Errorf("Temperature[0] = %v, want 20.75", records[0].Temperature)
	}
}

func TestHistoryRecordAssemblyIgnoresMissingIndices(t *testing.T) {
	params := []protocol.Param{protocol.ParamTemperature}
	perParam := map[protocol.Param]map[uint16]uint32{
		protocol.ParamTemperature: {1: 400, 3: 410},
	}
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	records := assembleRecords(params, perParam, 1, 3, 60, 0, now)
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (index 2 missing)", len(records))
	}
	if records[1].Timestamp != now {
		t.Errorf("newest timestamp = %v, want %v", records[1].Timestamp, now)
	}
	if records[0].Timestamp != now.Add(-2*time.Minute) {
		t.Errorf("oldest timestamp = %v, want %v", records[0].Timestamp, now.Add(-2*time.Minute))
	}
}
