package transport

import (
	"time"

	"github.com/plcnet/plcnode/internal/modbus"
)

// CommandKind tags what the cycle thread is handing down to the worker
// (the mailbox "kind" field of spec §5, minus the shared-array encoding —
// a Go struct carries the payload directly).
type CommandKind int

const (
	// CmdFrame carries a response (server) or next-request (client) PDU.
	CmdFrame CommandKind = iota + 1
	// CmdQuit aborts the worker; the only explicit cancellation (§5).
	CmdQuit
)

// Command is what the cycle thread puts into a worker's command mailbox.
type Command struct {
	Kind CommandKind
	// Frame is nil on the client to mean "no more requests, disconnect";
	// PreEncodedErr then carries the local error to report back instead
	// of ever touching the socket (the cycle thread already knows the
	// exchange can't proceed, e.g. a request-encoding failure).
	Frame         []byte
	PreEncodedErr modbus.Status
}

// ResponseKind tags what the worker is handing up to the cycle thread.
type ResponseKind int

const (
	// RespStatus carries a status tuple (STATUS/CONN_ESTABLISHED/etc).
	RespStatus ResponseKind = iota + 1
	// RespFrame carries a decoded (nonce-stripped) inbound PDU.
	RespFrame
)

// StatusTuple is the worker's report of connection state, published once
// per stage-protocol step (§4.3 "stage protocol").
type StatusTuple struct {
	Top             modbus.TopStatus
	ConnEstablished bool
	ConnStatus      modbus.ConnStatus
	ModbusStatus    modbus.Status
	Error           bool
	// Busy reports whether the worker is still live and engaged in an
	// exchange: true on the tuple published once a socket/port is up,
	// false (the zero value) on every terminal tuple.
	Busy bool
}

// Response is what a worker puts into the response mailbox.
type Response struct {
	Kind   ResponseKind
	Status StatusTuple
	Frame  []byte
}

// WorkerParams are the immutable parameters a Transport worker runs under
// for the lifetime of one socket/fd — derived from the Connection's C4
// record plus the current cycle's recv/conn timeouts.
type WorkerParams struct {
	LocalPort  int
	RemotePort int
	RemoteHost string

	ConnTimeout time.Duration
	RecvTimeout time.Duration

	// DisconnectAfterDone closes the transport after one exchange instead
	// of keeping it open for a "kept-open" sequence (§4.6).
	DisconnectAfterDone bool

	// Serial-only: device path and the (local, remote, connection) ids a
	// ConnectionMapper is informed of before the device is opened.
	SerialDevice string
	LocalID      int
	RemoteID     int
	ConnectionID int
}

// TapLogger receives every SEND/RECV a worker performs, best-effort
// (§6 tap log / per-node event log). Implementations must not block the
// worker; failures are the logger's problem, not the worker's.
type TapLogger interface {
	LogSend(payload []byte)
	LogRecv(payload []byte)
}

// ConnectionMapper is informed, once, of a serial worker's
// (local_id, remote_id, connection_id) before it opens its device, so an
// external mapper can route the logical connection to a physical link.
type ConnectionMapper interface {
	Notify(localID, remoteID, connectionID int) error
}

func statusResponse(s StatusTuple) Response {
	return Response{Kind: RespStatus, Status: s}
}
