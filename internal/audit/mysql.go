package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

var schema = []string{
	`DROP TABLE IF EXISTS consumer_logs`,
	`DROP TABLE IF EXISTS producer_logs`,
	`DROP TABLE IF EXISTS transport_logs`,
	`DROP TABLE IF EXISTS connection_logs`,
	`DROP TABLE IF EXISTS error_logs`,
	`CREATE TABLE connection_logs (
		id INT AUTO_INCREMENT PRIMARY KEY,
		socket_id VARCHAR(255) NOT NULL,
		event_type ENUM('connected', 'disconnected') NOT NULL,
		room_id VARCHAR(255) NOT NULL,
		timestamp TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3)
	)`,
	`CREATE TABLE transport_logs (
		id INT AUTO_INCREMENT PRIMARY KEY,
		socket_id VARCHAR(255) NOT NULL,
		room_id VARCHAR(255) NOT NULL,
		transport_id VARCHAR(255) NOT NULL,
		direction ENUM('send', 'recv') NOT NULL,
		status ENUM('created', 'connected') NOT NULL,
		timestamp TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3)
	)`,
	`CREATE TABLE producer_logs (
		id INT AUTO_INCREMENT PRIMARY KEY,
		socket_id VARCHAR(255) NOT NULL,
		room_id VARCHAR(255) NOT NULL,
		producer_id VARCHAR(255) NOT NULL,
		serial_id VARCHAR(255),
		kind ENUM('audio', 'video') NOT NULL,
		timestamp TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3)
	)`,
	`CREATE TABLE consumer_logs (
		id INT AUTO_INCREMENT PRIMARY KEY,
		socket_id VARCHAR(255) NOT NULL,
		room_id VARCHAR(255) NOT NULL,
		consumer_id VARCHAR(255) NOT NULL,
		serial_id VARCHAR(255),
		producer_id VARCHAR(255) NOT NULL,
		timestamp TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3)
	)`,
	`CREATE TABLE error_logs (
		id INT AUTO_INCREMENT PRIMARY KEY,
		socket_id VARCHAR(255) NOT NULL,
		room_id VARCHAR(255) NOT NULL,
		component ENUM('transport', 'producer', 'consumer', 'room', 'socket', 'media', 'ETC') DEFAULT 'ETC' NOT NULL,
		error_code VARCHAR(100) NOT NULL,
		error_message TEXT NOT NULL,
		context JSON,
		timestamp TIMESTAMP(3) DEFAULT CURRENT_TIMESTAMP(3)
	)`,
}

type MySQLStore struct {
	db *sql.DB
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// OpenMySQL connects with a go-sql-driver DSN, e.g.
// "user:pass@tcp(db:3306)/StreamLogger".
func OpenMySQL(ctx context.Context, dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse audit dsn: %w", err)
	}
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(3 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	return NewMySQLStore(db), nil
}

// Migrate drops and recreates every audit table in one transaction.
func (s *MySQLStore) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return tx.Commit()
}

func (s *MySQLStore) Write(ctx context.Context, rec Record) error {
	var err error
	switch r := rec.(type) {
	case Connection:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO connection_logs (socket_id, event_type, room_id, timestamp) VALUES (?, ?, ?, ?)`,
			r.SocketID, string(r.Event), r.RoomID, stamp(r.At))
	case Transport:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO transport_logs (socket_id, room_id, transport_id, direction, status, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
			r.SocketID, r.RoomID, r.TransportID, r.Direction, string(r.Status), stamp(r.At))
	case Producer:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO producer_logs (socket_id, room_id, producer_id, serial_id, kind, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
			r.SocketID, r.RoomID, r.ProducerID, r.SerialID, r.Kind, stamp(r.At))
	case Consumer:
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO consumer_logs (socket_id, room_id, consumer_id, serial_id, producer_id, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
			r.SocketID, r.RoomID, r.ConsumerID, r.SerialID, r.ProducerID, stamp(r.At))
	case Error:
		var raw []byte
		if len(r.Context) > 0 {
			if raw, err = json.Marshal(r.Context); err != nil {
				return err
			}
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO error_logs (socket_id, room_id, component, error_code, error_message, context, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.SocketID, r.RoomID, r.Component, r.Code, r.Message, nullJSON(raw), stamp(r.At))
	default:
		return fmt.Errorf("audit: unsupported record %T", rec)
	}
	return err
}

// stamp is the event time of a record; rows are written asynchronously so
// the column default would record the flush instead.
func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func (s *MySQLStore) Close() error { return s.db.Close() }
