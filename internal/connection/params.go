// Package connection implements the per-connection state machine (C6),
// its immutable parameter record (C4), and the cyclic function-block
// adapter (C7) that exposes it to a PLC program.
package connection

import "github.com/plcnet/plcnode/internal/modbus"

// Role is whether this Connection's Transport worker listens (server) or
// dials out (client).
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Kind is the underlying transport medium.
type Kind int

const (
	TransportTCP Kind = iota
	TransportSerial
)

// AreaConfig is one configured data-area window (up to eight per
// Connection, §6 Data_Area_1..8).
type AreaConfig struct {
	Type  modbus.DataType
	DB    int
	Start uint16
	End   uint16
}

// Params is the immutable connection parameter record (C4): loaded once
// from the per-node config file at startup and never mutated afterward.
type Params struct {
	ID                  int
	Role                Role
	Kind                Kind
	SlaveAddr           byte
	SingleWrite         bool
	LocalPort           int
	RemotePort          int
	RemoteHostString    string // as written in the config file, pre-resolution
	RemoteHost          string // resolved IP, loopback fallback applied (§4.5)
	SerialDevice        string
	Areas               []AreaConfig // at most 8
	DisconnectAfterDone bool

	// Serial connection-mapper identifiers (§4.4 pre-flight).
	LocalID      int
	RemoteID     int
	ConnectionID int
}

// BuildStore allocates the Connection's data-area Store from its
// configured windows.
func (p Params) BuildStore() (*modbus.Store, error) {
	areas := make([]*modbus.DataArea, 0, len(p.Areas))
	for _, a := range p.Areas {
		da, err := modbus.NewDataArea(a.Type, a.DB, a.Start, a.End)
		if err != nil {
			return nil, err
		}
		areas = append(areas, da)
	}
	return modbus.NewStore(areas), nil
}
