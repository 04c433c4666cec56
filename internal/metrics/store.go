package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StoreConfig configures a Store. Either backend may be disabled.
type StoreConfig struct {
	InfluxEnabled bool
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	MongoEnabled    bool
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// ConnectionSnapshot is the point-in-time view of one connection
// recorded to Mongo for the operator API's history view.
type ConnectionSnapshot struct {
	NodeID           int       `bson:"node_id"`
	ConnectionID     int       `bson:"connection_id"`
	Status           string    `bson:"status"`
	Error            bool      `bson:"error"`
	ModbusStatus     uint16    `bson:"modbus_status"`
	ConnEstablished  bool      `bson:"conn_established"`
	ReadFinishStatus int       `bson:"read_finish_status"`
	RecordedAt       time.Time `bson:"recorded_at"`
}

// Store writes per-connection counters to InfluxDB and point-in-time
// snapshots to MongoDB (§11). A disabled backend makes its methods
// no-ops rather than erroring, so callers don't need to branch on
// configuration at every call site.
type Store struct {
	influxClient influxdb2.Client
	influxWrite  api.WriteAPIBlocking

	mongoClient *mongo.Client
	mongoColl   *mongo.Collection
}

// OpenStore opens whichever backends cfg enables.
func OpenStore(cfg StoreConfig) (*Store, error) {
	s := &Store{}

	if cfg.InfluxEnabled {
		client := influxdb2.NewClient(cfg.InfluxURL, cfg.InfluxToken)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		health, err := client.Health(ctx)
		if err != nil {
			return nil, fmt.Errorf("metrics: connecting to influxdb: %w", err)
		}
		if health.Status != "pass" {
			client.Close()
			return nil, fmt.Errorf("metrics: influxdb health check failed: %s", health.Status)
		}
		s.influxClient = client
		s.influxWrite = client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)
	}

	if cfg.MongoEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("metrics: connecting to mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			s.Close()
			return nil, fmt.Errorf("metrics: pinging mongodb: %w", err)
		}
		s.mongoClient = client
		s.mongoColl = client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection)
	}

	return s, nil
}

// RecordExchange records one completed request/response exchange, for
// an exchanges-per-second dashboard panel.
func (s *Store) RecordExchange(ctx context.Context, nodeID, connID int) error {
	if s.influxWrite == nil {
		return nil
	}
	point := write.NewPoint(
		"modbus_exchange",
		map[string]string{"node_id": itoa(nodeID), "connection_id": itoa(connID)},
		map[string]interface{}{"count": 1},
		time.Now(),
	)
	if err := s.influxWrite.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("metrics: writing exchange point: %w", err)
	}
	return nil
}

// TimeoutKind distinguishes the two timeout counters the status
// taxonomy separates (§4.2's ConnTimeoutError vs RecvTimeoutError).
type TimeoutKind string

const (
	TimeoutConn TimeoutKind = "conn"
	TimeoutRecv TimeoutKind = "recv"
)

// RecordTimeout records one connection or receive timeout.
func (s *Store) RecordTimeout(ctx context.Context, nodeID, connID int, kind TimeoutKind) error {
	if s.influxWrite == nil {
		return nil
	}
	point := write.NewPoint(
		"modbus_timeout",
		map[string]string{"node_id": itoa(nodeID), "connection_id": itoa(connID), "kind": string(kind)},
		map[string]interface{}{"count": 1},
		time.Now(),
	)
	if err := s.influxWrite.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("metrics: writing timeout point: %w", err)
	}
	return nil
}

// Snapshot records one point-in-time connection state to Mongo.
func (s *Store) Snapshot(ctx context.Context, snap ConnectionSnapshot) error {
	if s.mongoColl == nil {
		return nil
	}
	snap.RecordedAt = time.Now()
	if _, err := s.mongoColl.InsertOne(ctx, snap); err != nil {
		return fmt.Errorf("metrics: inserting connection snapshot: %w", err)
	}
	return nil
}

// History returns the most recent snapshots for one connection, newest
// first.
func (s *Store) History(ctx context.Context, nodeID, connID int, limit int64) ([]ConnectionSnapshot, error) {
	if s.mongoColl == nil {
		return nil, nil
	}
	opts := options.Find().SetSort(bson.D{{Key: "recorded_at", Value: -1}}).SetLimit(limit)
	cursor, err := s.mongoColl.Find(ctx, bson.M{"node_id": nodeID, "connection_id": connID}, opts)
	if err != nil {
		return nil, fmt.Errorf("metrics: querying history: %w", err)
	}
	defer cursor.Close(ctx)

	var out []ConnectionSnapshot
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("metrics: decoding history: %w", err)
	}
	return out, nil
}

// Close releases whichever backends are open.
func (s *Store) Close() error {
	if s.influxClient != nil {
		s.influxClient.Close()
	}
	if s.mongoClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.mongoClient.Disconnect(ctx)
	}
	return nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
