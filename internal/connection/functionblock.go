package connection

import (
	"time"

	"github.com/plcnet/plcnode/internal/modbus"
	"github.com/plcnet/plcnode/internal/transport"
)

// FunctionBlockInputs mirrors the cyclic PLC program's input parameters
// to the connection function block (C7).
type FunctionBlockInputs struct {
	Enable      int
	Disconnect  bool
	ConnTimeout time.Duration
	RecvTimeout time.Duration

	DataType     modbus.DataType
	WriteRead    bool
	StartAddress uint16
	Length       int
	RegValues    []uint16
	BitValues    []int

	// RegKey/Licensed inputs are accepted for source compatibility and
	// never consulted — this build carries no license gate.
	RegKey uint32
}

// FunctionBlockOutputs mirrors the function block's output parameters.
type FunctionBlockOutputs struct {
	Status           modbus.TopStatus
	Error            bool
	StatusModbus     modbus.Status
	StatusConn       modbus.ConnStatus
	ConnEstablished  bool
	ReadFinishStatus int
	Busy             bool
	Licensed         bool

	Unit         byte
	TI           byte
	DataType     modbus.DataType
	WriteRead    bool
	StartAddress uint16
	Length       int
}

// FunctionBlock adapts a Connection state machine to the cyclic
// call/return shape a PLC program expects (C7): the first invocation
// populates parameter-block memory and clears outputs without touching
// the state machine; every subsequent call reads inputs, advances the
// state machine exactly once, and writes outputs.
type FunctionBlock struct {
	conn      *Connection
	firstCall bool
}

// NewFunctionBlock builds the function block around a fresh, NOT_STARTED
// Connection for params.
func NewFunctionBlock(params Params, tap transport.TapLogger, mapper transport.ConnectionMapper) (*FunctionBlock, error) {
	conn, err := New(params, tap, mapper)
	if err != nil {
		return nil, err
	}
	return &FunctionBlock{conn: conn, firstCall: true}, nil
}

// Cycle runs one PLC scan through the function block.
func (fb *FunctionBlock) Cycle(in FunctionBlockInputs) FunctionBlockOutputs {
	if fb.firstCall {
		fb.firstCall = false
		return FunctionBlockOutputs{Status: modbus.NotStarted, Licensed: true}
	}

	fb.conn.Advance(CycleInput{
		Enable:      in.Enable,
		Disconnect:  in.Disconnect,
		ConnTimeout: in.ConnTimeout,
		RecvTimeout: in.RecvTimeout,
		Request: ClientRequest{
			DataType:     in.DataType,
			WriteRead:    in.WriteRead,
			StartAddress: in.StartAddress,
			Length:       in.Length,
			RegValues:    in.RegValues,
			BitValues:    in.BitValues,
		},
	})

	c := fb.conn
	return FunctionBlockOutputs{
		Status:           c.Top,
		Error:            c.Error,
		StatusModbus:     c.ModbusStatus,
		StatusConn:       c.ConnStatus,
		ConnEstablished:  c.ConnEstablished,
		ReadFinishStatus: c.ReadFinishStatus,
		Busy:             c.Busy,
		Licensed:         true,

		Unit:         c.Descriptor.Unit,
		TI:           c.Descriptor.TI,
		DataType:     c.Descriptor.DataType,
		WriteRead:    c.Descriptor.WriteRead,
		StartAddress: c.Descriptor.StartAddress,
		Length:       c.Descriptor.Length,
	}
}

// Connection exposes the underlying state machine, e.g. for an operator
// API that wants read-only visibility into a node's connections.
func (fb *FunctionBlock) Connection() *Connection { return fb.conn }
