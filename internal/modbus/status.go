// Package modbus implements the wire-level Modbus message engine: PDU
// construction/decoding, the serial framing codec, and the data-area
// backing store shared by the slave and master sides of a Connection.
package modbus

// Status is the 16-bit Modbus-level status code surfaced to the PLC
// program as STATUS_MODBUS.
type Status uint16

// Top-level connection status values (STATUS output register).
type TopStatus int16

const (
	NotStarted       TopStatus = -1
	Done             TopStatus = 0
	ConnTimeoutError TopStatus = 1
	RecvTimeoutError TopStatus = 2
	ServerError      TopStatus = 3
	Running          TopStatus = 4
	ClientError      TopStatus = 5
)

func (s TopStatus) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Done:
		return "DONE"
	case ConnTimeoutError:
		return "CONN_TIMEOUT_ERROR"
	case RecvTimeoutError:
		return "RECV_TIMEOUT_ERROR"
	case ServerError:
		return "SERVER_ERROR"
	case Running:
		return "RUNNING"
	case ClientError:
		return "CLIENT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Modbus-level status codes (STATUS_MODBUS). Values fall in the
// 0xA0xx/0xA1xx range per §6 of the spec; NoError is the success value.
const (
	NoError                Status = 0x0000
	IncorrectCallParams    Status = 0xA001
	InvalidWriteAction     Status = 0xA002
	InvalidLength          Status = 0xA003
	InvalidCombination     Status = 0xA004
	InvalidMonitoringTime  Status = 0xA005
	InvalidTI              Status = 0xA006
	InvalidUnit            Status = 0xA007
	InvalidFunctionCode    Status = 0xA008
	InvalidRegBitCount     Status = 0xA009
	InvalidDataType        Status = 0xA00A
	InvalidMsgEchoFn5      Status = 0xA00B
	InvalidMsgEchoFn6      Status = 0xA00C
	UnknownException       Status = 0xA10D
	Busy                   Status = 0xA10E
)

// ConnStatus values (STATUS_CONN output register).
type ConnStatus uint16

const (
	ConnNoError               ConnStatus = 0x0000
	MonitoringTimeElapsed     ConnStatus = 0xA100
)

// Slave exception sub-codes (carried in an exception frame's single
// data byte, function code = request|0x80).
const (
	ExcIllegalFunction    byte = 0x01
	ExcIllegalDataAddress byte = 0x02
	ExcIllegalDataValue   byte = 0x03
	ExcSlaveDeviceFailure byte = 0x04
	// ExcInvalidLength is this implementation's custom sub-code for an
	// oversize read/write, distinct from the standard Modbus exceptions.
	ExcInvalidLength byte = 0x05
)

// DataType selects the Modbus address-space family a request targets.
type DataType int

const (
	Unused           DataType = 0
	Coils            DataType = 1
	Inputs           DataType = 2
	HoldingRegister  DataType = 3
	InputRegister    DataType = 4
)

func (t DataType) String() string {
	switch t {
	case Coils:
		return "Coils"
	case Inputs:
		return "Inputs"
	case HoldingRegister:
		return "Holding_Register"
	case InputRegister:
		return "Input_Register"
	default:
		return "Unused"
	}
}

// Function codes.
const (
	FuncReadCoils          byte = 1
	FuncReadDiscreteInputs byte = 2
	FuncReadHoldingRegs    byte = 3
	FuncReadInputRegs      byte = 4
	FuncWriteSingleCoil    byte = 5
	FuncWriteSingleReg     byte = 6
	FuncWriteMultiCoils    byte = 15
	FuncWriteMultiRegs     byte = 16
	ExceptionBit           byte = 0x80
)

// Per-data-type request size limits (§4.2).
var MaxReadLength = map[DataType]int{
	Coils:           2000,
	Inputs:          2000,
	HoldingRegister: 125,
	InputRegister:   125,
}

var MaxWriteLength = map[DataType]int{
	Coils:           800,
	HoldingRegister: 100,
}
