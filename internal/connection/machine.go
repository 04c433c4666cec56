package connection

import (
	"context"
	"time"

	"github.com/plcnet/plcnode/internal/modbus"
	"github.com/plcnet/plcnode/internal/transport"
)

func isTerminal(s modbus.TopStatus) bool {
	switch s {
	case modbus.Done, modbus.ConnTimeoutError, modbus.RecvTimeoutError, modbus.ServerError, modbus.ClientError:
		return true
	}
	return false
}

// ClientRequest is the next request the PLC program wants a client-role
// Connection to issue, supplied as part of the cyclic inout parameters
// (§4.6's encode-next-request-from-inout-params step).
type ClientRequest struct {
	DataType     modbus.DataType
	WriteRead    bool
	StartAddress uint16
	Length       int
	RegValues    []uint16
	BitValues    []int
}

// CycleInput is everything the PLC program supplies to Advance on a
// given scan.
type CycleInput struct {
	Enable      int // 0 or 1
	Disconnect  bool
	ConnTimeout time.Duration
	RecvTimeout time.Duration
	Request     ClientRequest // only consulted for a client-role Connection
}

// Connection is the per-connection Mealy state machine (C6): advance() is
// invoked once per PLC scan and never blocks.
type Connection struct {
	Params Params
	Store  *modbus.Store
	Tap    transport.TapLogger
	Mapper transport.ConnectionMapper

	cmdMailbox  *transport.Mailbox[transport.Command]
	respMailbox *transport.Mailbox[transport.Response]
	cancelFunc  context.CancelFunc
	workerUp    bool

	disconnectAfterDone bool
	pendingTxn          *modbus.Transaction
	tiCounter           byte

	// Output registers, refreshed by Advance and read by the C7 adapter.
	Top             modbus.TopStatus
	ConnStatus      modbus.ConnStatus
	ModbusStatus    modbus.Status
	Error           bool
	ConnEstablished bool
	ReadFinishStatus int
	Descriptor      modbus.RequestDescriptor
	// Busy is set the instant a worker is spawned and cleared the instant
	// its exchange reaches a terminal outcome, mirroring the mailbox
	// status tuple's own busy field while the worker is still live.
	Busy bool

	prevEnable int
}

// New builds a Connection in its NOT_STARTED state. It does not spawn a
// worker — that happens on the first rising edge of enable.
func New(params Params, tap transport.TapLogger, mapper transport.ConnectionMapper) (*Connection, error) {
	store, err := params.BuildStore()
	if err != nil {
		return nil, err
	}
	return &Connection{
		Params: params,
		Store:  store,
		Tap:    tap,
		Mapper: mapper,
		Top:    modbus.NotStarted,
	}, nil
}

// Advance runs one scan's worth of state-machine logic. It must never
// block: the only mailbox calls it makes are TryGet (non-blocking) and
// Put (asserts the slot is empty, which the stage protocol guarantees).
func (c *Connection) Advance(in CycleInput) {
	risingEdge := in.Enable == 1 && c.prevEnable == 0
	c.prevEnable = in.Enable

	justTransitioned := false
	if c.workerUp {
		if r, ok := c.respMailbox.TryGet(); ok {
			wasTerminal := isTerminal(c.Top)
			c.applyResponse(r, in)
			if !wasTerminal && isTerminal(c.Top) {
				justTransitioned = true
			}
		}
	}

	switch {
	case c.Top == modbus.NotStarted:
		if risingEdge {
			c.startFresh(in)
		}

	case c.Top == modbus.Running:
		// Progress happens only via applyResponse above; nothing to do
		// on a scan where the worker hasn't published anything new.

	case isTerminal(c.Top):
		if justTransitioned {
			// This cycle's outputs already reflect the fresh transition;
			// the "exactly one quiet cycle" starts next scan.
			return
		}
		if c.ReadFinishStatus == 0 {
			// Exactly one quiet cycle: outputs already reflect the
			// terminal transition, the PLC program gets to read them
			// once before enable can be acted on again.
			c.ReadFinishStatus = 1
			return
		}
		if in.Enable != 1 {
			return
		}
		switch {
		case c.ConnEstablished && c.Top == modbus.Done:
			// Kept-open: the worker never exited, just re-use it.
			c.Top = modbus.Running
			c.ReadFinishStatus = 0
			if c.Params.Role == RoleClient {
				c.sendNextClientRequest(in.Request)
			}
		case risingEdge || c.Params.Role == RoleServer:
			c.joinWorker()
			c.startFresh(in)
		}
	}
}

func (c *Connection) startFresh(in CycleInput) {
	if in.ConnTimeout <= 0 || in.RecvTimeout <= 0 {
		c.Top = modbus.Done
		c.Error = true
		c.ModbusStatus = modbus.InvalidMonitoringTime
		c.ReadFinishStatus = 0
		return
	}

	c.disconnectAfterDone = in.Disconnect
	c.cmdMailbox = transport.NewMailbox[transport.Command]()
	c.respMailbox = transport.NewMailbox[transport.Response]()

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelFunc = cancel

	wp := transport.WorkerParams{
		LocalPort:           c.Params.LocalPort,
		RemotePort:          c.Params.RemotePort,
		RemoteHost:          c.Params.RemoteHost,
		ConnTimeout:         in.ConnTimeout,
		RecvTimeout:         in.RecvTimeout,
		DisconnectAfterDone: in.Disconnect,
		SerialDevice:        c.Params.SerialDevice,
		LocalID:             c.Params.LocalID,
		RemoteID:            c.Params.RemoteID,
		ConnectionID:        c.Params.ConnectionID,
	}

	switch {
	case c.Params.Kind == TransportTCP && c.Params.Role == RoleServer:
		go transport.RunTCPServer(ctx, wp, c.cmdMailbox, c.respMailbox, c.Tap)
	case c.Params.Kind == TransportTCP && c.Params.Role == RoleClient:
		go transport.RunTCPClient(ctx, wp, c.cmdMailbox, c.respMailbox, c.Tap)
	case c.Params.Kind == TransportSerial && c.Params.Role == RoleServer:
		go transport.RunSerialServer(ctx, wp, c.Mapper, c.cmdMailbox, c.respMailbox, c.Tap)
	case c.Params.Kind == TransportSerial && c.Params.Role == RoleClient:
		go transport.RunSerialClient(ctx, wp, c.Mapper, c.cmdMailbox, c.respMailbox, c.Tap)
	}

	c.workerUp = true
	c.Busy = true
	c.Top = modbus.NotStarted // stays NOT_STARTED until the worker's first status tuple lands
}

func (c *Connection) joinWorker() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.workerUp = false
	c.Busy = false
	c.pendingTxn = nil
}

func (c *Connection) applyResponse(r transport.Response, in CycleInput) {
	switch r.Kind {
	case transport.RespStatus:
		c.Top = r.Status.Top
		c.ConnEstablished = r.Status.ConnEstablished
		c.ConnStatus = r.Status.ConnStatus
		c.ModbusStatus = r.Status.ModbusStatus
		c.Error = r.Status.Error
		c.Busy = r.Status.Busy
		if isTerminal(c.Top) {
			c.ReadFinishStatus = 0
		}
		if c.Top == modbus.Running && c.Params.Role == RoleClient {
			c.sendNextClientRequest(in.Request)
		}

	case transport.RespFrame:
		if c.Params.Role == RoleServer {
			c.handleServerFrame(r.Frame)
		} else {
			c.handleClientFrame(r.Frame)
		}
	}
}

func (c *Connection) handleServerFrame(frame []byte) {
	respPDU, desc, err := modbus.HandleRequest(frame, c.Store)
	if err != nil {
		c.Top = modbus.ServerError
		c.Error = true
		c.ModbusStatus = modbus.UnknownException
		c.ReadFinishStatus = 0
		c.Busy = false
		return
	}
	c.Descriptor = desc
	c.cmdMailbox.Put(transport.Command{Kind: transport.CmdFrame, Frame: respPDU})
}

func (c *Connection) handleClientFrame(frame []byte) {
	if c.pendingTxn == nil {
		c.Top = modbus.ClientError
		c.Error = true
		c.ModbusStatus = modbus.UnknownException
		c.ReadFinishStatus = 0
		c.Busy = false
		return
	}
	status := modbus.DecodeResponse(c.pendingTxn, frame, c.Store)
	c.Descriptor = modbus.RequestDescriptor{
		Unit:         c.pendingTxn.SlaveAddr,
		TI:           c.pendingTxn.TI,
		DataType:     c.pendingTxn.DataType,
		StartAddress: c.pendingTxn.StartAddress,
		Length:       c.pendingTxn.Length,
	}
	c.pendingTxn = nil
	c.ModbusStatus = status
	c.Error = status != modbus.NoError
	c.Top = modbus.Done
	c.ReadFinishStatus = 0
	c.Busy = false

	if c.disconnectAfterDone {
		c.cmdMailbox.Put(transport.Command{Kind: transport.CmdFrame, Frame: nil})
	}
}

func (c *Connection) sendNextClientRequest(req ClientRequest) {
	ti := c.nextTI()
	txn, err := modbus.EncodeRequest(c.Params.SlaveAddr, ti, req.DataType, req.WriteRead, c.Params.SingleWrite, req.StartAddress, req.Length, req.RegValues, req.BitValues)
	if err != nil {
		perr, _ := err.(*modbus.ProtocolError)
		status := modbus.UnknownException
		if perr != nil {
			status = perr.Status
		}
		c.Top = modbus.Done
		c.Error = true
		c.ModbusStatus = status
		c.ReadFinishStatus = 0
		c.Busy = false
		c.cmdMailbox.Put(transport.Command{
			Kind:          transport.CmdFrame,
			Frame:         nil,
			PreEncodedErr: status,
		})
		return
	}
	c.pendingTxn = txn
	c.Descriptor = modbus.RequestDescriptor{
		Unit:         txn.SlaveAddr,
		TI:           txn.TI,
		DataType:     txn.DataType,
		WriteRead:    req.WriteRead,
		StartAddress: txn.StartAddress,
		Length:       txn.Length,
	}
	c.cmdMailbox.Put(transport.Command{Kind: transport.CmdFrame, Frame: txn.RawSent})
}

func (c *Connection) nextTI() byte {
	c.tiCounter++
	return c.tiCounter
}
