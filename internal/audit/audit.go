// Package audit records the connection-lifecycle audit trail: terminal
// transitions and restarts, never the live Modbus memory (explicitly a
// non-goal to persist). Backed by one of three interchangeable SQL
// drivers, with an optional Redis cache in front for multi-process
// deployments where the operator API shouldn't hit the SQL backend
// directly for recent events (§11, §12).
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/plcnet/plcnode/internal/modbus"
)

// Event is one connection-lifecycle transition.
type Event struct {
	NodeID       int             `json:"node_id"`
	ConnectionID int             `json:"connection_id"`
	Timestamp    time.Time       `json:"timestamp"`
	FromStatus   modbus.TopStatus `json:"from_status"`
	ToStatus     modbus.TopStatus `json:"to_status"`
	Error        bool            `json:"error"`
	ModbusStatus modbus.Status   `json:"modbus_status"`
}

// driverName maps a config-level driver selector to the database/sql
// driver name registered by the matching blank import.
func driverName(backend string) (string, error) {
	switch backend {
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	case "mysql":
		return "mysql", nil
	case "postgres", "postgresql":
		return "postgres", nil
	default:
		return "", fmt.Errorf("audit: unknown driver %q", backend)
	}
}

// Store persists Events to one of the three SQL backends, optionally
// fronted by a Redis cache of the most recent events per connection.
type Store struct {
	db       *sql.DB
	redis    *redis.Client
	ttl      time.Duration
	postgres bool
}

// rebind rewrites "?" placeholders to Postgres's "$1", "$2", ... style
// when the Store is backed by lib/pq; a no-op for sqlite3/mysql, which
// both accept "?" natively.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var out []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, []byte(fmt.Sprintf("$%d", n))...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Config configures a Store.
type Config struct {
	Driver     string
	DSN        string
	RedisAddr  string
	RedisCache bool
	CacheTTL   time.Duration
}

// Open opens the SQL backend named by cfg.Driver, creates its schema if
// missing, and optionally attaches a Redis cache.
func Open(cfg Config) (*Store, error) {
	drv, err := driverName(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(drv, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s database: %w", cfg.Driver, err)
	}

	s := &Store{db: db, ttl: cfg.CacheTTL, postgres: drv == "postgres"}
	if err := s.createSchema(drv); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RedisCache {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: connecting to redis cache: %w", err)
		}
		s.redis = client
	}

	return s, nil
}

func (s *Store) createSchema(drv string) error {
	schema := `
	CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id INTEGER NOT NULL,
		connection_id INTEGER NOT NULL,
		occurred_at DATETIME NOT NULL,
		from_status INTEGER NOT NULL,
		to_status INTEGER NOT NULL,
		is_error BOOLEAN NOT NULL,
		modbus_status INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_connection_events_conn ON connection_events(node_id, connection_id);
	`
	switch drv {
	case "postgres":
		schema = `
		CREATE TABLE IF NOT EXISTS connection_events (
			id SERIAL PRIMARY KEY,
			node_id INTEGER NOT NULL,
			connection_id INTEGER NOT NULL,
			occurred_at TIMESTAMP NOT NULL,
			from_status INTEGER NOT NULL,
			to_status INTEGER NOT NULL,
			is_error BOOLEAN NOT NULL,
			modbus_status INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_connection_events_conn ON connection_events(node_id, connection_id);
		`
	case "mysql":
		schema = `
		CREATE TABLE IF NOT EXISTS connection_events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			node_id INTEGER NOT NULL,
			connection_id INTEGER NOT NULL,
			occurred_at DATETIME NOT NULL,
			from_status INTEGER NOT NULL,
			to_status INTEGER NOT NULL,
			is_error BOOLEAN NOT NULL,
			modbus_status INTEGER NOT NULL,
			INDEX idx_connection_events_conn (node_id, connection_id)
		);
		`
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("audit: creating schema: %w", err)
	}
	return nil
}

// Record appends one lifecycle Event to the SQL backend and, if a Redis
// cache is attached, pushes it onto that connection's recent-events list.
func (s *Store) Record(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO connection_events
			(node_id, connection_id, occurred_at, from_status, to_status, is_error, modbus_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.NodeID, ev.ConnectionID, ev.Timestamp, ev.FromStatus, ev.ToStatus, ev.Error, ev.ModbusStatus,
	)
	if err != nil {
		return fmt.Errorf("audit: recording event: %w", err)
	}

	if s.redis != nil {
		data, mErr := json.Marshal(ev)
		if mErr == nil {
			key := cacheKey(ev.NodeID, ev.ConnectionID)
			pipe := s.redis.TxPipeline()
			pipe.LPush(ctx, key, data)
			pipe.LTrim(ctx, key, 0, 99)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			if _, pErr := pipe.Exec(ctx); pErr != nil {
				return fmt.Errorf("audit: updating redis cache: %w", pErr)
			}
		}
	}
	return nil
}

// Recent returns the most recent events for one connection, newest first.
// It is served from the Redis cache when attached, falling back to the
// SQL backend otherwise.
func (s *Store) Recent(ctx context.Context, nodeID, connectionID, limit int) ([]Event, error) {
	if s.redis != nil {
		raw, err := s.redis.LRange(ctx, cacheKey(nodeID, connectionID), 0, int64(limit-1)).Result()
		if err == nil {
			events := make([]Event, 0, len(raw))
			for _, r := range raw {
				var ev Event
				if jErr := json.Unmarshal([]byte(r), &ev); jErr == nil {
					events = append(events, ev)
				}
			}
			if len(events) > 0 {
				return events, nil
			}
		}
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT node_id, connection_id, occurred_at, from_status, to_status, is_error, modbus_status
		FROM connection_events
		WHERE node_id = ? AND connection_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?`), nodeID, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: querying recent events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.NodeID, &ev.ConnectionID, &ev.Timestamp, &ev.FromStatus, &ev.ToStatus, &ev.Error, &ev.ModbusStatus); err != nil {
			return nil, fmt.Errorf("audit: scanning event row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func cacheKey(nodeID, connectionID int) string {
	return fmt.Sprintf("plcnode:audit:%d:%d", nodeID, connectionID)
}

// Ping verifies the SQL backend is reachable, for health.DatabaseHealthCheck.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the SQL and (if attached) Redis connections.
func (s *Store) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	return s.db.Close()
}
