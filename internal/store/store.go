// Package store persists sensor snapshots and downloaded history archives
// in SQLite, and remembers per-device sync positions so history downloads
// can resume incrementally.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cameronrye/aranet/internal/sensor"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			address TEXT PRIMARY KEY,
			name TEXT,
			device_type TEXT NOT NULL,
			rssi INTEGER,
			last_seen TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			co2 INTEGER NOT NULL,
			temperature REAL NOT NULL,
			pressure REAL NOT NULL,
			humidity INTEGER NOT NULL,
			battery INTEGER NOT NULL,
			status INTEGER NOT NULL,
			radon INTEGER,
			radiation_rate REAL,
			radiation_total REAL,
			recorded_at TEXT NOT NULL,
			received_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_device_time ON snapshots(device_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS history (
			device_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			co2 INTEGER NOT NULL,
			temperature REAL NOT NULL,
			pressure REAL NOT NULL,
			humidity INTEGER NOT NULL,
			radon INTEGER,
			radiation_rate REAL,
			radiation_total REAL,
			PRIMARY KEY (device_id, ts)
		);`,
		`CREATE TABLE IF NOT EXISTS sync_state (
			device_id TEXT PRIMARY KEY,
			last_index INTEGER NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// DiscoveredDevice is one sensor seen during a scan.
type DiscoveredDevice struct {
	Address    string
	Name       string
	DeviceType sensor.DeviceType
	RSSI       int16
	LastSeen   time.Time
}

// UpsertDevice records or refreshes a sensor observed during scanning.
func (s *Store) UpsertDevice(ctx context.Context, d DiscoveredDevice) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO devices (address, name, device_type, rssi, last_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(address)
		 DO UPDATE SET name = excluded.name,
			 device_type = excluded.device_type,
			 rssi = excluded.rssi,
			 last_seen = excluded.last_seen;`,
		d.Address,
		d.Name,
		d.DeviceType.String(),
		d.RSSI,
		d.LastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// ListDevices returns every known sensor, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]DiscoveredDevice, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT address, name, device_type, rssi, last_seen FROM devices ORDER BY last_seen DESC;`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []DiscoveredDevice
	for rows.Next() {
		var (
			d           DiscoveredDevice
			name        sql.NullString
			typeName    string
			rssi        sql.NullInt64
			lastSeenStr string
		)
		if err := rows.Scan(&d.Address, &name, &typeName, &rssi, &lastSeenStr); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Name = name.String
		d.RSSI = int16(rssi.Int64)
		if dt, ok := sensor.DeviceTypeFromName(typeName); ok {
			d.DeviceType = dt
		}
		d.LastSeen = parseStoredTime(lastSeenStr)
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return devices, nil
}

// StoredSnapshot is one persisted current reading.
type StoredSnapshot struct {
	DeviceID   string
	Reading    sensor.CurrentReading
	RecordedAt time.Time
}

// InsertSnapshot persists one current reading for a device.
func (s *Store) InsertSnapshot(ctx context.Context, deviceID string, r sensor.CurrentReading, recordedAt time.Time) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO snapshots (device_id, co2, temperature, pressure, humidity, battery, status,
			radon, radiation_rate, radiation_total, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		deviceID,
		r.CO2,
		r.Temperature,
		r.Pressure,
		r.Humidity,
		r.Battery,
		int(r.Status),
		nullUint32(r.Radon),
		nullFloat32(r.RadiationRate),
		nullFloat64(r.RadiationTotal),
		recordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	return nil
}

// RecentSnapshots returns a device's most recent snapshots, newest first.
func (s *Store) RecentSnapshots(ctx context.Context, deviceID string, limit int) ([]StoredSnapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT device_id, co2, temperature, pressure, humidity, battery, status,
			radon, radiation_rate, radiation_total, recorded_at
		 FROM snapshots
		 WHERE device_id = ?
		 ORDER BY recorded_at DESC
		 LIMIT ?;`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]StoredSnapshot, 0, limit)
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	return snapshots, nil
}

// LatestSnapshots returns the most recent snapshot for each device.
func (s *Store) LatestSnapshots(ctx context.Context) ([]StoredSnapshot, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT sn.device_id, sn.co2, sn.temperature, sn.pressure, sn.humidity, sn.battery, sn.status,
			sn.radon, sn.radiation_rate, sn.radiation_total, sn.recorded_at
		 FROM snapshots sn
		 INNER JOIN (
			SELECT device_id, MAX(recorded_at) AS max_ts
			FROM snapshots
			GROUP BY device_id
		 ) latest ON sn.device_id = latest.device_id AND sn.recorded_at = latest.max_ts;`)
	if err != nil {
		return nil, fmt.Errorf("latest snapshots query: %w", err)
	}
	defer rows.Close()

	var snapshots []StoredSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate latest snapshots: %w", err)
	}

	return snapshots, nil
}

// InsertHistory persists downloaded history records in one transaction.
// Records already present for (device, timestamp) are skipped, so replaying
// an overlapping download is safe. Returns the number of new rows.
func (s *Store) InsertHistory(ctx context.Context, deviceID string, records []sensor.HistoryRecord) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin history tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO history (device_id, ts, co2, temperature, pressure, humidity,
			radon, radiation_rate, radiation_total)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return 0, fmt.Errorf("prepare history insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range records {
		res, err := stmt.ExecContext(ctx,
			deviceID,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.CO2,
			r.Temperature,
			r.Pressure,
			r.Humidity,
			nullUint32(r.Radon),
			nullFloat32(r.RadiationRate),
			nullFloat64(r.RadiationTotal),
		)
		if err != nil {
			return 0, fmt.Errorf("insert history record: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit history tx: %w", err)
	}
	return inserted, nil
}

// HistoryRange returns a device's history records within [from, to],
// oldest first. Zero bounds are open.
func (s *Store) HistoryRange(ctx context.Context, deviceID string, from, to time.Time) ([]sensor.HistoryRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	query := `SELECT ts, co2, temperature, pressure, humidity, radon, radiation_rate, radiation_total
		 FROM history WHERE device_id = ?`
	args := []interface{}{deviceID}
	if !from.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, from.UTC().Format(time.RFC3339Nano))
	}
	if !to.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, to.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []sensor.HistoryRecord
	for rows.Next() {
		var (
			r     sensor.HistoryRecord
			tsStr string
			radon sql.NullInt64
			rate  sql.NullFloat64
			total sql.NullFloat64
		)
		if err := rows.Scan(&tsStr, &r.CO2, &r.Temperature, &r.Pressure, &r.Humidity, &radon, &rate, &total); err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		r.Timestamp = parseStoredTime(tsStr)
		if radon.Valid {
			v := uint32(radon.Int64)
			r.Radon = &v
		}
		if rate.Valid {
			v := float32(rate.Float64)
			r.RadiationRate = &v
		}
		if total.Valid {
			v := total.Float64
			r.RadiationTotal = &v
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return records, nil
}

// LastSyncedIndex returns the device's last downloaded history index, or
// zero when the device has never been synced.
func (s *Store) LastSyncedIndex(ctx context.Context, deviceID string) (uint16, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var idx int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_index FROM sync_state WHERE device_id = ?;`, deviceID).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get sync state: %w", err)
	}
	return uint16(idx), nil
}

// SetLastSyncedIndex records how far a device's history has been downloaded.
func (s *Store) SetLastSyncedIndex(ctx context.Context, deviceID string, index uint16) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (device_id, last_index, updated_at)
		 VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(device_id) DO UPDATE SET last_index = excluded.last_index, updated_at = excluded.updated_at;`,
		deviceID, index)
	if err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	return nil
}

func scanSnapshot(rows *sql.Rows) (StoredSnapshot, error) {
	var (
		snap          StoredSnapshot
		status        int
		radon         sql.NullInt64
		rate          sql.NullFloat64
		total         sql.NullFloat64
		recordedAtStr string
	)
	if err := rows.Scan(&snap.DeviceID, &snap.Reading.CO2, &snap.Reading.Temperature,
		&snap.Reading.Pressure, &snap.Reading.Humidity, &snap.Reading.Battery, &status,
		&radon, &rate, &total, &recordedAtStr); err != nil {
		return StoredSnapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}
	snap.Reading.Status = sensor.Status(status)
	if radon.Valid {
		v := uint32(radon.Int64)
		snap.Reading.Radon = &v
	}
	if rate.Valid {
		v := float32(rate.Float64)
		snap.Reading.RadiationRate = &v
	}
	if total.Valid {
		v := total.Float64
		snap.Reading.RadiationTotal = &v
	}
	snap.RecordedAt = parseStoredTime(recordedAtStr)
	return snap, nil
}

func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}

func nullUint32(v *uint32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat32(v *float32) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(*v), Valid: true}
}

func nullFloat64(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
