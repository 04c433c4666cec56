package api

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/plcnet/plcnode/internal/audit"
	"github.com/plcnet/plcnode/internal/health"
	"github.com/plcnet/plcnode/internal/logger"
	"github.com/plcnet/plcnode/internal/websocket"
)

// Service wires the operator API's HTTP/WebSocket surface to the running
// node's connection Registry, its audit trail, and its broadcast hub.
type Service struct {
	registry *Registry
	audit    *audit.Store // nil when no audit backend is configured
	wsHub    *websocket.Hub
	health   *health.HealthChecker
}

// NewService builds a Service. auditStore may be nil.
func NewService(registry *Registry, auditStore *audit.Store, hub *websocket.Hub) *Service {
	s := &Service{registry: registry, audit: auditStore, wsHub: hub, health: health.NewHealthChecker()}

	if auditStore != nil {
		s.health.RegisterCheck("audit_backend", health.DatabaseHealthCheck(auditStore.Ping), 30*time.Second)
	}
	s.health.RegisterCheck("goroutines", health.GoroutineHealthCheck(runtime.NumGoroutine, 5000), 30*time.Second)
	s.health.RegisterCheck("connections", health.ConnectionErrorRateHealthCheck(registry.ErrorCounts, 0.25, 0.5), 15*time.Second)

	return s
}

// Health runs every registered check and returns the rolled-up result
// for the operator API's /health endpoint.
func (s *Service) Health(ctx context.Context) map[string]interface{} {
	s.health.RunChecks(ctx)
	return s.health.GetCheckResults()
}

// ListConnections returns a snapshot of every connection known to the
// registry.
func (s *Service) ListConnections() []ConnectionSnapshot {
	return s.registry.Snapshot()
}

// GetConnection returns the snapshot for one connection.
func (s *Service) GetConnection(nodeID, connID int) (ConnectionSnapshot, error) {
	return s.registry.SnapshotOne(nodeID, connID)
}

// RecentEvents returns the most recent audit events for one connection.
// It returns a nil slice, not an error, when no audit backend is
// configured.
func (s *Service) RecentEvents(ctx context.Context, nodeID, connID, limit int) ([]audit.Event, error) {
	if s.audit == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.audit.Recent(ctx, nodeID, connID, limit)
}

// GetClientCount returns the number of connected WebSocket clients.
func (s *Service) GetClientCount() int {
	if s.wsHub == nil {
		return 0
	}
	return s.wsHub.GetClientCount()
}

// BroadcastConnectionStatus pushes a connection's current snapshot to
// every connected WebSocket client. cmd/plcnode calls this after each
// scan that changes a connection's top-level status.
func (s *Service) BroadcastConnectionStatus(nodeID, connID int) {
	snap, err := s.registry.SnapshotOne(nodeID, connID)
	if err != nil || s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(websocket.MessageTypeConnectionStatus, snap.NodeID, map[string]interface{}{
		"node_id":            snap.NodeID,
		"connection_id":      snap.ConnectionID,
		"status":             snap.Status,
		"error":              snap.Error,
		"modbus_status":      snap.ModbusStatus,
		"conn_established":   snap.ConnEstablished,
		"read_finish_status": snap.ReadFinishStatus,
		"busy":               snap.Busy,
		"at":                 time.Now(),
	})
	logger.WithConnection(nodeID, connID).Debug("broadcast connection status", zap.String("status", snap.Status))
}

// BroadcastTapEvent pushes one tap-log line to every connected WebSocket
// client, regardless of NodeScope. internal/tap's Sink does not call it;
// the Sink writes only to its UDP, file and MQTT outputs.
func (s *Service) BroadcastTapEvent(localID int, direction, digestHex string) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(websocket.MessageTypeTapEvent, -1, map[string]interface{}{
		"local_id":  localID,
		"direction": direction,
		"digest":    digestHex,
		"at":        time.Now(),
	})
}

// BroadcastAuditEvent pushes one recorded audit.Event to every connected
// WebSocket client.
func (s *Service) BroadcastAuditEvent(ev audit.Event) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(websocket.MessageTypeAuditEvent, ev.NodeID, map[string]interface{}{
		"node_id":       ev.NodeID,
		"connection_id": ev.ConnectionID,
		"from_status":   ev.FromStatus.String(),
		"to_status":     ev.ToStatus.String(),
		"error":         ev.Error,
		"at":            ev.Timestamp,
	})
}

// Close releases the Service's owned resources. The Registry holds no
// resources of its own; the audit store passed to NewService, if any, is
// closed here.
func (s *Service) Close() error {
	if s.audit != nil {
		return s.audit.Close()
	}
	return nil
}
