package transport

import (
	"context"
	"time"

	"github.com/plcnet/plcnode/internal/modbus"
)

// RunSerialClient is the serial-transport analogue of RunTCPClient.
func RunSerialClient(ctx context.Context, p WorkerParams, mapper ConnectionMapper, cmd *Mailbox[Command], resp *Mailbox[Response], tap TapLogger) {
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
		c, err := cmd.Get(ctx)
		if err != nil {
			return
		}
		if c.Kind == CmdQuit {
			return
		}
		if c.Frame == nil {
			errStatus := c.PreEncodedErr
			resp.Put(statusResponse(StatusTuple{
				Top:          modbus.Done,
				Error:        errStatus != modbus.NoError,
				ModbusStatus: errStatus,
			}))
			return
		}

		framed := modbus.Frame(modbus.AppendNonce(c.Frame))
		if err := writeWithinBudget(ctx, port, framed, p.ConnTimeout); err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ClientError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		tap.LogSend(c.Frame)

		payload, err := readFramedMessage(ctx, port, time.Now().Add(p.RecvTimeout))
		if err != nil {
			if err == errTimeout {
				resp.Put(statusResponse(StatusTuple{Top: modbus.RecvTimeoutError, Error: true, ModbusStatus: modbus.UnknownException}))
			} else {
				resp.Put(statusResponse(StatusTuple{Top: modbus.ClientError, Error: true, ModbusStatus: modbus.UnknownException}))
			}
			return
		}
		tap.LogRecv(payload)

		resp.Put(Response{Kind: RespFrame, Frame: payload})

		if p.DisconnectAfterDone {
			return
		}
	}
}
