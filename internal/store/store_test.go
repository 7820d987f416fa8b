package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cameronrye/aranet/internal/sensor"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "aranet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	reading := sensor.CurrentReading{
		CO2:         812,
		Temperature: 22.8,
		Pressure:    1007.3,
		Humidity:    41,
		Battery:     76,
		Status:      sensor.StatusGreen,
	}
	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	require.NoError(t, s.InsertSnapshot(ctx, "AA:BB", reading, at))

	got, err := s.RecentSnapshots(ctx, "AA:BB", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "AA:BB", got[0].DeviceID)
	assert.Equal(t, reading.CO2, got[0].Reading.CO2)
	assert.InDelta(t, reading.Temperature, got[0].Reading.Temperature, 0.001)
	assert.Equal(t, sensor.StatusGreen, got[0].Reading.Status)
	assert.True(t, got[0].RecordedAt.Equal(at))
	assert.Nil(t, got[0].Reading.Radon)
}

func TestSnapshotOptionalFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	radon := uint32(55)
	rate := float32(0.12)
	total := 1.234
	reading := sensor.CurrentReading{
		Temperature:    21.0,
		Radon:          &radon,
		RadiationRate:  &rate,
		RadiationTotal: &total,
	}
	require.NoError(t, s.InsertSnapshot(ctx, "RN", reading, time.Now()))

	got, err := s.RecentSnapshots(ctx, "RN", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Reading.Radon)
	assert.Equal(t, uint32(55), *got[0].Reading.Radon)
	require.NotNil(t, got[0].Reading.RadiationRate)
	assert.InDelta(t, 0.12, *got[0].Reading.RadiationRate, 0.0001)
	require.NotNil(t, got[0].Reading.RadiationTotal)
	assert.InDelta(t, 1.234, *got[0].Reading.RadiationTotal, 0.0001)
}

func TestLatestSnapshotsPerDevice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertSnapshot(ctx, "A", sensor.CurrentReading{CO2: 500}, base))
	require.NoError(t, s.InsertSnapshot(ctx, "A", sensor.CurrentReading{CO2: 600}, base.Add(time.Minute)))
	require.NoError(t, s.InsertSnapshot(ctx, "B", sensor.CurrentReading{CO2: 700}, base))

	got, err := s.LatestSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byDevice := map[string]uint16{}
	for _, snap := range got {
		byDevice[snap.DeviceID] = snap.Reading.CO2
	}
	assert.Equal(t, uint16(600), byDevice["A"])
	assert.Equal(t, uint16(700), byDevice["B"])
}

func TestInsertHistoryIgnoresDuplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	records := []sensor.HistoryRecord{
		{Timestamp: base, CO2: 500, Temperature: 20.0},
		{Timestamp: base.Add(time.Minute), CO2: 510, Temperature: 20.1},
		{Timestamp: base.Add(2 * time.Minute), CO2: 520, Temperature: 20.2},
	}

	n, err := s.InsertHistory(ctx, "A", records)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Replaying an overlapping download inserts only the new tail.
	more := append(records[1:], sensor.HistoryRecord{
		Timestamp: base.Add(3 * time.Minute), CO2: 530, Temperature: 20.3,
	})
	n, err = s.InsertHistory(ctx, "A", more)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.HistoryRange(ctx, "A", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, uint16(500), got[0].CO2)
	assert.Equal(t, uint16(530), got[3].CO2)
}

func TestHistoryRangeBounds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	var records []sensor.HistoryRecord
	for i := 0; i < 5; i++ {
		records = append(records, sensor.HistoryRecord{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			CO2:       uint16(500 + i),
		})
	}
	_, err := s.InsertHistory(ctx, "A", records)
	require.NoError(t, err)

	got, err := s.HistoryRange(ctx, "A", base.Add(time.Minute), base.Add(3*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint16(501), got[0].CO2)
	assert.Equal(t, uint16(503), got[2].CO2)

	// History is scoped per device.
	got, err = s.HistoryRange(ctx, "B", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	idx, err := s.LastSyncedIndex(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), idx, "unsynced device starts at zero")

	require.NoError(t, s.SetLastSyncedIndex(ctx, "A", 1200))
	require.NoError(t, s.SetLastSyncedIndex(ctx, "A", 1450))

	idx, err = s.LastSyncedIndex(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, uint16(1450), idx)
}

func TestUpsertAndListDevices(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seen := time.Date(2026, 8, 25, 7, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertDevice(ctx, DiscoveredDevice{
		Address:    "AA:BB",
		Name:       "Aranet4 1C8BD",
		DeviceType: sensor.Aranet4,
		RSSI:       -62,
		LastSeen:   seen,
	}))
	// A later sighting refreshes the row instead of duplicating it.
	require.NoError(t, s.UpsertDevice(ctx, DiscoveredDevice{
		Address:    "AA:BB",
		Name:       "Aranet4 1C8BD",
		DeviceType: sensor.Aranet4,
		RSSI:       -58,
		LastSeen:   seen.Add(time.Minute),
	}))

	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, int16(-58), devices[0].RSSI)
	assert.Equal(t, sensor.Aranet4, devices[0].DeviceType)
	assert.True(t, devices[0].LastSeen.Equal(seen.Add(time.Minute)))
}
