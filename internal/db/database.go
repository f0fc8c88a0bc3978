package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fleet-replay/internal/metrics"
	"fleet-replay/internal/models"
)

// ErrNotFound is returned when a vehicle or sample does not exist
var ErrNotFound = errors.New("not found")

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes. Speed and ignition are nullable
// because devices may omit them.
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		license_plate TEXT UNIQUE NOT NULL,
		vehicle_type TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vehicle_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		speed_kmh REAL,
		ignition_on INTEGER,
		heading REAL NOT NULL DEFAULT 0,
		odometer_km REAL NOT NULL DEFAULT 0,
		fuel_level REAL NOT NULL DEFAULT 0,
		status_flags TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (vehicle_id) REFERENCES vehicles(id)
	);

	CREATE INDEX IF NOT EXISTS idx_telemetry_vehicle_timestamp ON telemetry(vehicle_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry(timestamp);
	CREATE INDEX IF NOT EXISTS idx_telemetry_flags ON telemetry(vehicle_id) WHERE status_flags != '';
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// observe records the duration of one store operation
func observe(op string, start time.Time) {
	metrics.RecordDBQuery(op, time.Since(start))
}

// InsertVehicle adds a new vehicle
func (db *Database) InsertVehicle(ctx context.Context, v *models.Vehicle) error {
	query := `INSERT INTO vehicles (id, name, license_plate, vehicle_type) VALUES (?, ?, ?, ?)`
	_, err := db.conn.ExecContext(ctx, query, v.ID, v.Name, v.LicensePlate, v.VehicleType)
	return err
}

// GetVehicle retrieves a vehicle by ID
func (db *Database) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	query := `SELECT id, name, license_plate, vehicle_type, created_at FROM vehicles WHERE id = ?`

	var v models.Vehicle
	err := db.conn.QueryRowContext(ctx, query, id).Scan(&v.ID, &v.Name, &v.LicensePlate, &v.VehicleType, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ListVehicles returns all vehicles
func (db *Database) ListVehicles(ctx context.Context) ([]models.Vehicle, error) {
	query := `SELECT id, name, license_plate, vehicle_type, created_at FROM vehicles ORDER BY name`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vehicles := []models.Vehicle{}
	for rows.Next() {
		var v models.Vehicle
		if err := rows.Scan(&v.ID, &v.Name, &v.LicensePlate, &v.VehicleType, &v.CreatedAt); err != nil {
			return nil, err
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, rows.Err()
}

const insertSample = `
	INSERT INTO telemetry
	(vehicle_id, timestamp, latitude, longitude, speed_kmh, ignition_on,
	 heading, odometer_km, fuel_level, status_flags)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func sampleArgs(s *models.Sample) []interface{} {
	var speed, ignition interface{}
	if s.SpeedKmh != nil {
		speed = *s.SpeedKmh
	}
	if s.IgnitionOn != nil {
		ignition = *s.IgnitionOn
	}
	return []interface{}{
		s.VehicleID, s.Timestamp.UTC(), s.Latitude, s.Longitude, speed, ignition,
		s.Heading, s.OdometerKM, s.FuelLevel, s.StatusFlags,
	}
}

// InsertSample adds a single telemetry record
func (db *Database) InsertSample(ctx context.Context, s *models.Sample) error {
	defer observe("insert_sample", time.Now())

	result, err := db.conn.ExecContext(ctx, insertSample, sampleArgs(s)...)
	if err != nil {
		return err
	}
	s.ID, _ = result.LastInsertId()
	metrics.IngestedSamples.WithLabelValues("api").Inc()
	return nil
}

// InsertSamples inserts records in one transaction. source labels the
// ingestion metric (api, file, generate).
func (db *Database) InsertSamples(ctx context.Context, records []models.Sample, source string) (int64, error) {
	defer observe("insert_batch", time.Now())

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSample)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var count int64
	for i := range records {
		if _, err := stmt.ExecContext(ctx, sampleArgs(&records[i])...); err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	metrics.IngestedSamples.WithLabelValues(source).Add(float64(count))
	return count, nil
}

const selectSample = `
	SELECT id, vehicle_id, timestamp, latitude, longitude, speed_kmh, ignition_on,
	       heading, odometer_km, fuel_level, status_flags
	FROM telemetry
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSample(row scanner) (models.Sample, error) {
	var s models.Sample
	var speed sql.NullFloat64
	var ignition sql.NullBool

	err := row.Scan(
		&s.ID, &s.VehicleID, &s.Timestamp, &s.Latitude, &s.Longitude,
		&speed, &ignition, &s.Heading, &s.OdometerKM, &s.FuelLevel, &s.StatusFlags,
	)
	if err != nil {
		return s, err
	}
	if speed.Valid {
		s.SpeedKmh = models.Float(speed.Float64)
	}
	if ignition.Valid {
		s.IgnitionOn = models.Bool(ignition.Bool)
	}
	return s, nil
}

func (db *Database) querySamples(ctx context.Context, query string, args ...interface{}) ([]models.Sample, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []models.Sample{}
	for rows.Next() {
		s, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, rows.Err()
}

// QueryTelemetry retrieves samples matching the query. Speed filters only
// match samples that carry a speed.
func (db *Database) QueryTelemetry(ctx context.Context, q models.TelemetryQuery) ([]models.Sample, error) {
	defer observe("query", time.Now())

	var conditions []string
	var args []interface{}

	if q.VehicleID != "" {
		conditions = append(conditions, "vehicle_id = ?")
		args = append(args, q.VehicleID)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, q.StartTime.UTC())
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, q.EndTime.UTC())
	}
	if q.MinSpeed > 0 {
		conditions = append(conditions, "speed_kmh >= ?")
		args = append(args, q.MinSpeed)
	}
	if q.MaxSpeed > 0 {
		conditions = append(conditions, "speed_kmh <= ?")
		args = append(args, q.MaxSpeed)
	}

	query := selectSample
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if q.Ascending {
		query += " ORDER BY timestamp ASC, id ASC"
	} else {
		query += " ORDER BY timestamp DESC, id DESC"
	}

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	return db.querySamples(ctx, query, args...)
}

// LoadRoute returns every sample of a vehicle inside [from, to] in time
// order, ties kept in insertion order
func (db *Database) LoadRoute(ctx context.Context, vehicleID string, from, to time.Time) (*models.Route, error) {
	defer observe("load_route", time.Now())

	query := selectSample + `
		WHERE vehicle_id = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, id ASC
	`
	samples, err := db.querySamples(ctx, query, vehicleID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load route for %s: %w", vehicleID, err)
	}
	return &models.Route{VehicleID: vehicleID, From: from, To: to, Samples: samples}, nil
}

// GetLatestSample returns the most recent sample for a vehicle
func (db *Database) GetLatestSample(ctx context.Context, vehicleID string) (*models.Sample, error) {
	defer observe("latest", time.Now())

	query := selectSample + `
		WHERE vehicle_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`
	s, err := scanSample(db.conn.QueryRowContext(ctx, query, vehicleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("telemetry for %s: %w", vehicleID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetTelemetrySummary returns raw per-vehicle aggregates. Averages only
// cover samples with a speed.
func (db *Database) GetTelemetrySummary(ctx context.Context, vehicleID string) (*models.TelemetrySummary, error) {
	defer observe("summary", time.Now())

	query := `
		SELECT
			vehicle_id,
			COUNT(*),
			MIN(timestamp),
			MAX(timestamp),
			COALESCE(AVG(speed_kmh), 0),
			COALESCE(MAX(speed_kmh), 0),
			MAX(odometer_km) - MIN(odometer_km)
		FROM telemetry
		WHERE vehicle_id = ?
		GROUP BY vehicle_id
	`

	var s models.TelemetrySummary
	var first, last string
	err := db.conn.QueryRowContext(ctx, query, vehicleID).Scan(
		&s.VehicleID, &s.TotalRecords, &first, &last, &s.AvgSpeed, &s.MaxSpeed, &s.OdometerKM,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("telemetry for %s: %w", vehicleID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	// MIN/MAX lose the column type, so the driver hands back text
	if s.FirstSeen, err = parseStoredTime(first); err != nil {
		return nil, err
	}
	if s.LastSeen, err = parseStoredTime(last); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetFlaggedSamples returns samples that carry status flags, newest first
func (db *Database) GetFlaggedSamples(ctx context.Context, vehicleID string, limit int) ([]models.Sample, error) {
	defer observe("flagged", time.Now())

	query := selectSample + " WHERE status_flags != ''"

	var args []interface{}
	if vehicleID != "" {
		query += " AND vehicle_id = ?"
		args = append(args, vehicleID)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	return db.querySamples(ctx, query, args...)
}

// GetRecordCount returns total telemetry records
func (db *Database) GetRecordCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM telemetry").Scan(&count)
	return count, err
}

// Stats summarises the store contents
type Stats struct {
	TelemetryRecords int64 `json:"total_telemetry_records"`
	Vehicles         int64 `json:"total_vehicles"`
	FlaggedSamples   int64 `json:"flagged_samples"`
	MissingSpeed     int64 `json:"samples_without_speed"`
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	queries := []struct {
		sql  string
		dest *int64
	}{
		{"SELECT COUNT(*) FROM telemetry", &st.TelemetryRecords},
		{"SELECT COUNT(*) FROM vehicles", &st.Vehicles},
		{"SELECT COUNT(*) FROM telemetry WHERE status_flags != ''", &st.FlaggedSamples},
		{"SELECT COUNT(*) FROM telemetry WHERE speed_kmh IS NULL", &st.MissingSpeed},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.sql).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("failed to read stats: %w", err)
		}
	}
	return &st, nil
}

// parseStoredTime reads the text form the sqlite3 driver writes for
// time.Time values
func parseStoredTime(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised stored time %q", s)
}
