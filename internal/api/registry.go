package api

import (
	"fmt"
	"sort"
	"sync"

	"github.com/plcnet/plcnode/internal/connection"
)

// ConnectionSnapshot is a read-only view of one Connection's output
// registers (§4.6), suitable for JSON serialization to an operator API
// client.
type ConnectionSnapshot struct {
	NodeID           int    `json:"node_id"`
	ConnectionID     int    `json:"connection_id"`
	Role             string `json:"role"`
	Kind             string `json:"kind"`
	Status           string `json:"status"`
	Error            bool   `json:"error"`
	ModbusStatus     uint16 `json:"modbus_status"`
	ConnStatus       uint16 `json:"conn_status"`
	ConnEstablished  bool   `json:"conn_established"`
	ReadFinishStatus int    `json:"read_finish_status"`
	Busy             bool   `json:"busy"`
}

func snapshot(nodeID int, conn *connection.Connection) ConnectionSnapshot {
	role := "server"
	if conn.Params.Role == connection.RoleClient {
		role = "client"
	}
	kind := "tcp"
	if conn.Params.Kind == connection.TransportSerial {
		kind = "serial"
	}
	return ConnectionSnapshot{
		NodeID:           nodeID,
		ConnectionID:     conn.Params.ID,
		Role:             role,
		Kind:             kind,
		Status:           conn.Top.String(),
		Error:            conn.Error,
		ModbusStatus:     uint16(conn.ModbusStatus),
		ConnStatus:       uint16(conn.ConnStatus),
		ConnEstablished:  conn.ConnEstablished,
		ReadFinishStatus: conn.ReadFinishStatus,
		Busy:             conn.Busy,
	}
}

// Registry is the live set of Connections a running node exposes to the
// operator API. cmd/plcnode registers every connection.FunctionBlock it
// builds at startup; Advance continues to run on the PLC scan thread
// untouched, the registry only ever reads.
type Registry struct {
	mu    sync.RWMutex
	nodes map[int]map[int]*connection.Connection
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[int]map[int]*connection.Connection)}
}

// Register adds a Connection under nodeID, keyed by its own
// Params.ID.
func (r *Registry) Register(nodeID int, conn *connection.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes[nodeID] == nil {
		r.nodes[nodeID] = make(map[int]*connection.Connection)
	}
	r.nodes[nodeID][conn.Params.ID] = conn
}

// Get looks up one Connection by node and connection ID.
func (r *Registry) Get(nodeID, connID int) (*connection.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns, ok := r.nodes[nodeID]
	if !ok {
		return nil, false
	}
	c, ok := conns[connID]
	return c, ok
}

// Snapshot returns a ConnectionSnapshot for every registered Connection,
// ordered by node ID then connection ID.
func (r *Registry) Snapshot() []ConnectionSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ConnectionSnapshot
	for nodeID, conns := range r.nodes {
		for _, c := range conns {
			out = append(out, snapshot(nodeID, c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// SnapshotOne returns the ConnectionSnapshot for one registered
// Connection.
func (r *Registry) SnapshotOne(nodeID, connID int) (ConnectionSnapshot, error) {
	c, ok := r.Get(nodeID, connID)
	if !ok {
		return ConnectionSnapshot{}, fmt.Errorf("api: no connection %d on node %d", connID, nodeID)
	}
	return snapshot(nodeID, c), nil
}

// ErrorCounts returns the total number of registered connections and how
// many currently report Error, for health.ConnectionErrorRateHealthCheck.
func (r *Registry) ErrorCounts() (total, errored int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conns := range r.nodes {
		for _, c := range conns {
			total++
			if c.Error {
				errored++
			}
		}
	}
	return total, errored
}
