// Package telemetry persists a sampled ledger of driver output to sqlite:
// frame summaries, IMU samples and loop counters. The store sits off the
// hot path — writes are sampled and any write error is logged, never
// propagated back into the acquisition loop. A nil *Store is a valid no-op.
package telemetry

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lidar.driver/internal/processors"
	"github.com/banshee-data/lidar.driver/internal/sensor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and brings the schema up to
// date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("Telemetry store open at %s", path)
	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// RecordFrame writes one frame summary row.
func (s *Store) RecordFrame(kind sensor.PayloadKind, frameID string, stamp time.Time, width, height int) {
	if s == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO frames (frame_id, kind, stamp_unix_nanos, width, height, recorded_unix_nanos)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		frameID, kind.String(), stamp.UnixNano(), width, height, time.Now().UnixNano(),
	)
	if err != nil {
		log.Printf("Telemetry: failed to record frame %s: %v", frameID, err)
	}
}

// RecordImu writes one inertial sample row.
func (s *Store) RecordImu(msg *processors.ImuMessage) {
	if s == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO imu_samples (stamp_unix_nanos, accel_x, accel_y, accel_z, gyro_x, gyro_y, gyro_z)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.Stamp.UnixNano(),
		msg.LinearAcceleration[0], msg.LinearAcceleration[1], msg.LinearAcceleration[2],
		msg.AngularVelocity[0], msg.AngularVelocity[1], msg.AngularVelocity[2],
	)
	if err != nil {
		log.Printf("Telemetry: failed to record imu sample: %v", err)
	}
}

// RecordCounters writes a snapshot of the loop counters.
func (s *Store) RecordCounters(ticks, idle, incompleteDropped, queueDrops uint64) {
	if s == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO loop_counters (recorded_unix_nanos, ticks, idle_ticks, incomplete_dropped, queue_drops)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), ticks, idle, incompleteDropped, queueDrops,
	)
	if err != nil {
		log.Printf("Telemetry: failed to record counters: %v", err)
	}
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
