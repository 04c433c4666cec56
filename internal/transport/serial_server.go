package transport

import (
	"context"
	"time"

	"go.bug.st/serial"

	"github.com/plcnet/plcnode/internal/modbus"
)

const serialPollInterval = 20 * time.Millisecond

func openSerialDevice(p WorkerParams, mapper ConnectionMapper) (serial.Port, bool) {
	if mapper != nil {
		_ = mapper.Notify(p.LocalID, p.RemoteID, p.ConnectionID) // best-effort
	}
	mode := &serial.Mode{BaudRate: 19200, DataBits: 8, StopBits: serial.OneStopBit, Parity: serial.NoParity}
	port, err := serial.Open(p.SerialDevice, mode)
	if err != nil {
		return nil, false
	}
	_ = port.SetReadTimeout(serialPollInterval)
	return port, true
}

// readFramedMessage accumulates bytes from port until a full C1-framed
// message (0x7E ... 0x7E) has arrived, honoring deadline, and returns the
// unframed, denonced payload.
func readFramedMessage(ctx context.Context, port serial.Port, deadline time.Time) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 256)
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, errTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, err := port.Read(chunk)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) >= 2 && buf[0] == 0x7E {
				if idx := lastSentinelAfterFirst(buf); idx > 0 {
					frame := buf[:idx+1]
					unframed, err := modbus.Unframe(frame)
					if err != nil {
						return nil, err
					}
					return modbus.StripNonce(unframed)
				}
			}
		}
	}
}

func lastSentinelAfterFirst(buf []byte) int {
	for i := len(buf) - 1; i > 0; i-- {
		if buf[i] == 0x7E {
			return i
		}
	}
	return -1
}

var errTimeout = &timeoutError{}

type timeoutError struct{}

func (*timeoutError) Error() string { return "modbus: serial read timed out" }
func (*timeoutError) Timeout() bool { return true }

// RunSerialServer is the serial-transport analogue of RunTCPServer,
// framed with the C1 byte-stuffing codec instead of a raw TCP stream.
func RunSerialServer(ctx context.Context, p WorkerParams, mapper ConnectionMapper, cmd *Mailbox[Command], resp *Mailbox[Response], tap TapLogger) {
	port, ok := openSerialDevice(p, mapper)
	if !ok {
		resp.Put(statusResponse(StatusTuple{
			Top:        modbus.ConnTimeoutError,
			ConnStatus: modbus.MonitoringTimeElapsed,
			Error:      true,
		}))
		return
	}
	defer port.Close()

	resp.Put(statusResponse(StatusTuple{Top: modbus.Running, ConnEstablished: true, Busy: true}))

	for {
		payload, err := readFramedMessage(ctx, port, time.Now().Add(p.RecvTimeout))
		if err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ServerError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		tap.LogRecv(payload)

		resp.Put(Response{Kind: RespFrame, Frame: payload})

		c, err := cmd.Get(ctx)
		if err != nil {
			return
		}
		if c.Kind == CmdQuit {
			return
		}

		framed := modbus.Frame(modbus.AppendNonce(c.Frame))
		if err := writeWithinBudget(ctx, port, framed, p.ConnTimeout); err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ServerError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		tap.LogSend(c.Frame)

		if p.DisconnectAfterDone {
			return
		}
	}
}

// writeWithinBudget writes data, refusing if budget has already elapsed
// or ctx is done. go.bug.st/serial exposes no separate "writable" poll on
// the char device, so the write itself is the readiness check.
func writeWithinBudget(ctx context.Context, port serial.Port, data []byte, budget time.Duration) error {
	if budget <= 0 {
		return errTimeout
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, err := port.Write(data)
	return err
}
