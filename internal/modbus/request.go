package modbus

// Transaction captures everything the master side needs to validate and
// apply a response (§3).
type Transaction struct {
	FunctionCode byte
	StartAddress uint16
	Length       int
	SlaveAddr    byte
	TI           byte
	DataType     DataType
	RawSent      []byte
}

// EncodeRequest builds a master-side request PDU (no nonce — the
// Transport worker appends that). Local validation failures (write to a
// read-only area, oversize length, bad data type) return a *ProtocolError
// and never produce a frame, per §4.2.
func EncodeRequest(slaveAddr, ti byte, dt DataType, writeRead bool, singleWrite bool, start uint16, length int, regValues []uint16, bitValues []int) (*Transaction, error) {
	if dt < Coils || dt > InputRegister {
		return nil, protoErr(InvalidDataType)
	}
	if length < 1 {
		return nil, protoErr(InvalidLength)
	}

	var fc byte
	if !writeRead {
		fc = byte(dt)
		if length > MaxReadLength[dt] {
			return nil, protoErr(InvalidLength)
		}
	} else {
		if dt == Inputs || dt == InputRegister {
			return nil, protoErr(InvalidWriteAction)
		}
		switch {
		case dt == Coils && length == 1 && singleWrite:
			fc = FuncWriteSingleCoil
		case dt == Coils:
			fc = FuncWriteMultiCoils
		case dt == HoldingRegister && length == 1 && singleWrite:
			fc = FuncWriteSingleReg
		case dt == HoldingRegister:
			fc = FuncWriteMultiRegs
		}
		if length > MaxWriteLength[dt] {
			return nil, protoErr(InvalidLength)
		}
	}

	body := []byte{slaveAddr, ti, fc}

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegs, FuncReadInputRegs:
		addrLen := make([]byte, 4)
		putU16(addrLen[0:2], start)
		putU16(addrLen[2:4], uint16(length))
		body = append(body, addrLen...)

	case FuncWriteSingleCoil:
		if len(bitValues) < 1 {
			return nil, protoErr(IncorrectCallParams)
		}
		v := uint16(0x0000)
		if bitValues[0] != 0 {
			v = 0xFF00
		}
		addrVal := make([]byte, 4)
		putU16(addrVal[0:2], start)
		putU16(addrVal[2:4], v)
		body = append(body, addrVal...)

	case FuncWriteSingleReg:
		if len(regValues) < 1 {
			return nil, protoErr(IncorrectCallParams)
		}
		addrVal := make([]byte, 4)
		putU16(addrVal[0:2], start)
		putU16(addrVal[2:4], regValues[0])
		body = append(body, addrVal...)

	case FuncWriteMultiCoils:
		if len(bitValues) < length {
			return nil, protoErr(IncorrectCallParams)
		}
		packed := packBits(bitValues[:length])
		head := make([]byte, 5)
		putU16(head[0:2], start)
		putU16(head[2:4], uint16(length))
		head[4] = byte(len(packed))
		body = append(body, head...)
		body = append(body, packed...)

	case FuncWriteMultiRegs:
		if len(regValues) < length {
			return nil, protoErr(IncorrectCallParams)
		}
		head := make([]byte, 5)
		putU16(head[0:2], start)
		putU16(head[2:4], uint16(length))
		head[4] = byte(length * 2)
		body = append(body, head...)
		data := make([]byte, length*2)
		for i := 0; i < length; i++ {
			putU16(data[i*2:i*2+2], regValues[i])
		}
		body = append(body, data...)
	}

	full := append(body, Checksum(body))

	return &Transaction{
		FunctionCode: fc,
		StartAddress: start,
		Length:       length,
		SlaveAddr:    slaveAddr,
		TI:           ti,
		DataType:     dt,
		RawSent:      full,
	}, nil
}

// DecodeResponse validates and applies a slave's response against the
// Transaction that produced the request, per the error taxonomy of §4.2.
// On success it writes read results into store and returns NoError.
func DecodeResponse(txn *Transaction, resp []byte, store *Store) Status {
	if len(resp) <= 1 || len(resp) < 3 {
		return UnknownException
	}

	slave, ti, fc := resp[0], resp[1], resp[2]

	if ti != txn.TI || slave != txn.SlaveAddr {
		return InvalidTI
	}
	if fc != txn.FunctionCode && fc != txn.FunctionCode|ExceptionBit {
		return InvalidFunctionCode
	}

	if fc == txn.FunctionCode|ExceptionBit {
		if len(resp) < 4 {
			return UnknownException
		}
		sub := resp[3]
		switch sub {
		case ExcIllegalDataAddress:
			return InvalidCombination
		case ExcIllegalDataValue, ExcSlaveDeviceFailure:
			return UnknownException
		case ExcInvalidLength:
			return InvalidLength
		default:
			return Status(sub)
		}
	}

	switch fc {
	case FuncWriteSingleCoil:
		if !echoMatches(txn.RawSent, resp) {
			return InvalidMsgEchoFn5
		}
		return NoError

	case FuncWriteSingleReg:
		if !echoMatches(txn.RawSent, resp) {
			return InvalidMsgEchoFn6
		}
		return NoError

	case FuncReadCoils, FuncReadDiscreteInputs:
		if len(resp) < 4 {
			return UnknownException
		}
		byteCount := int(resp[3])
		if byteCount != (txn.Length+7)/8 {
			return InvalidRegBitCount
		}
		if len(resp) < 4+byteCount {
			return UnknownException
		}
		bits := unpackBits(resp[4:4+byteCount], txn.Length)
		for i, b := range bits {
			_ = store.WriteBit(txn.DataType, txn.StartAddress+uint16(i), b)
		}
		return NoError

	case FuncReadHoldingRegs, FuncReadInputRegs:
		if len(resp) < 4 {
			return UnknownException
		}
		byteCount := int(resp[3])
		if byteCount != 2*txn.Length {
			return InvalidRegBitCount
		}
		if len(resp) < 4+byteCount {
			return UnknownException
		}
		for i := 0; i < txn.Length; i++ {
			v := getU16(resp[4+i*2 : 6+i*2])
			_ = store.WriteWord(txn.DataType, txn.StartAddress+uint16(i), v)
		}
		return NoError

	case FuncWriteMultiCoils, FuncWriteMultiRegs:
		// Echo of start/count only; nothing further to apply locally.
		return NoError

	default:
		return InvalidFunctionCode
	}
}

func echoMatches(sent, resp []byte) bool {
	if len(sent) != len(resp) {
		return false
	}
	for i := range sent {
		if sent[i] != resp[i] {
			return false
		}
	}
	return true
}
