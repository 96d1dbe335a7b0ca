// Package store is the durable repository layer: devices, sensor and
// actuator configuration, the reading time series, logic rules,
// execution history, and the audit log, all on SQLite.
//
// Every operation runs inside the DB circuit breaker; when the breaker
// is open, calls fail fast with [model.ErrDBUnavailable] instead of
// piling onto a sick database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/verdantgrow/god-kaiser/internal/breaker"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/model"
)

// Store handles all durable state.
type Store struct {
	db     *sql.DB
	cb     *breaker.Breaker
	bus    *events.Bus
	logger *slog.Logger
}

// AttachBus wires the event bus so every audit append is mirrored as
// an audit_event for operator UIs. Optional; a nil bus disables the
// mirror.
func (s *Store) AttachBus(bus *events.Bus) {
	s.bus = bus
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. cb may be nil, in which case operations run unguarded
// (tests).
func Open(path string, cb *breaker.Breaker, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, cb: cb, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// BreakerState reports the DB breaker state for health endpoints.
func (s *Store) BreakerState() string {
	return s.cb.State()
}

// guard runs fn inside the DB circuit breaker, translating an open
// breaker into the domain's DBUnavailable error.
func (s *Store) guard(fn func() error) error {
	err := s.cb.Execute(fn)
	if errors.Is(err, breaker.ErrOpen) {
		return fmt.Errorf("%w: circuit breaker open", model.ErrDBUnavailable)
	}
	return err
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL UNIQUE,
		zone_id TEXT,
		subzone_id TEXT,
		kaiser_id TEXT NOT NULL,
		last_seen TEXT,
		state TEXT,
		uptime_sec INTEGER,
		heap_free INTEGER,
		wifi_rssi INTEGER
	);

	CREATE TABLE IF NOT EXISTS sensor_configs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		gpio INTEGER NOT NULL,
		sensor_type TEXT NOT NULL,
		name TEXT,
		enabled INTEGER NOT NULL DEFAULT 1,
		pi_enhanced INTEGER NOT NULL DEFAULT 0,
		operating_mode TEXT NOT NULL DEFAULT 'continuous',
		interval_ms INTEGER,
		timeout_sec INTEGER,
		calibration_json TEXT,
		thresholds_json TEXT,
		UNIQUE (device_id, gpio),
		FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sensor_readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		gpio INTEGER NOT NULL,
		sensor_type TEXT,
		raw_value REAL NOT NULL,
		processed_value REAL,
		unit TEXT,
		quality TEXT NOT NULL,
		ts TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'production',
		error_code TEXT,
		UNIQUE (device_id, gpio, ts)
	);

	CREATE INDEX IF NOT EXISTS idx_readings_device_gpio_ts
		ON sensor_readings(device_id, gpio, ts DESC);
	CREATE INDEX IF NOT EXISTS idx_readings_ts ON sensor_readings(ts DESC);

	CREATE TABLE IF NOT EXISTS actuator_configs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		gpio INTEGER NOT NULL,
		actuator_type TEXT NOT NULL,
		control_type TEXT NOT NULL DEFAULT 'toggle',
		critical INTEGER NOT NULL DEFAULT 0,
		default_state INTEGER NOT NULL DEFAULT 0,
		safety_limits_json TEXT,
		UNIQUE (device_id, gpio),
		FOREIGN KEY (device_id) REFERENCES devices(device_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS actuator_states (
		device_id TEXT NOT NULL,
		gpio INTEGER NOT NULL,
		state INTEGER NOT NULL DEFAULT 0,
		pwm_value REAL NOT NULL DEFAULT 0,
		last_command_ts TEXT,
		emergency_state TEXT NOT NULL DEFAULT 'normal',
		PRIMARY KEY (device_id, gpio)
	);

	CREATE TABLE IF NOT EXISTS actuator_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL,
		gpio INTEGER NOT NULL,
		command TEXT NOT NULL,
		value REAL,
		success INTEGER NOT NULL,
		message TEXT,
		request_id TEXT,
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actuator_history_device
		ON actuator_history(device_id, gpio, ts DESC);

	CREATE TABLE IF NOT EXISTS logic_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		priority INTEGER NOT NULL DEFAULT 100,
		cooldown_sec INTEGER NOT NULL DEFAULT 0,
		max_per_hour INTEGER NOT NULL DEFAULT 0,
		safety_critical INTEGER NOT NULL DEFAULT 0,
		triggers_json TEXT NOT NULL,
		conditions_json TEXT,
		actions_json TEXT NOT NULL,
		has_time_condition INTEGER NOT NULL DEFAULT 0,
		last_executed TEXT
	);

	CREATE TABLE IF NOT EXISTS rule_triggers (
		rule_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		gpio INTEGER NOT NULL,
		sensor_type TEXT NOT NULL,
		FOREIGN KEY (rule_id) REFERENCES logic_rules(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_rule_triggers_key
		ON rule_triggers(device_id, gpio, sensor_type);

	CREATE TABLE IF NOT EXISTS rule_executions (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		trigger_json TEXT,
		actions_json TEXT,
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rule_executions_rule
		ON rule_executions(rule_id, ts DESC);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		event_type TEXT NOT NULL,
		device_id TEXT,
		gpio INTEGER,
		severity TEXT NOT NULL,
		details_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7, falling back to v4.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// fmtTime renders a time for a TEXT column; zero times become NULL.
func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads a nullable TEXT timestamp.
func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Ping verifies connectivity, for health probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.guard(func() error { return s.db.PingContext(ctx) })
}
