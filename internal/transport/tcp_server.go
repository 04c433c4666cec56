package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/plcnet/plcnode/internal/modbus"
)

// RunTCPServer runs a server-role Transport worker: bind, accept once,
// then repeatedly decode an inbound request frame, hand it to the cycle
// thread, and send back whatever response frame comes down the command
// mailbox (§4.4). Every error exit publishes a final status tuple first; a
// CmdQuit, a cancelled ctx, or the end of a DisconnectAfterDone exchange
// returns without one. Listener and connection are closed on every exit
// path.
func RunTCPServer(ctx context.Context, p WorkerParams, cmd *Mailbox[Command], resp *Mailbox[Response], tap TapLogger) {
	addr := fmt.Sprintf(":%d", p.LocalPort)

	listenCtx, cancelListen := context.WithTimeout(ctx, p.ConnTimeout)
	defer cancelListen()

	var lc net.ListenConfig
	ln, err := lc.Listen(listenCtx, "tcp", addr)
	if err != nil {
		resp.Put(statusResponse(StatusTuple{
			Top:        modbus.ConnTimeoutError,
			ConnStatus: modbus.MonitoringTimeElapsed,
			Error:      true,
		}))
		return
	}
	defer ln.Close()

	if tcpLn, ok := ln.(*net.TCPListener); ok {
		_ = tcpLn.SetDeadline(time.Now().Add(p.ConnTimeout))
	}

	conn, err := ln.Accept()
	if err != nil {
		resp.Put(statusResponse(StatusTuple{
			Top:        modbus.ConnTimeoutError,
			ConnStatus: modbus.MonitoringTimeElapsed,
			Error:      true,
		}))
		return
	}
	defer conn.Close()

	resp.Put(statusResponse(StatusTuple{Top: modbus.Running, ConnEstablished: true, Busy: true}))

	for {
		if err := conn.SetReadDeadline(time.Now().Add(p.RecvTimeout)); err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ServerError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}

		buf := make([]byte, 2048)
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				resp.Put(statusResponse(StatusTuple{Top: modbus.ServerError, Error: true, ModbusStatus: modbus.UnknownException}))
				return
			}
			// remote closed the connection
			resp.Put(statusResponse(StatusTuple{Top: modbus.ServerError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		if n == 0 {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ServerError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}

		payload, err := modbus.StripNonce(buf[:n])
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

		out := modbus.AppendNonce(c.Frame)
		if err := conn.SetWriteDeadline(time.Now().Add(p.RecvTimeout)); err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ServerError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		if _, err := conn.Write(out); err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ServerError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		tap.LogSend(c.Frame)

		if p.DisconnectAfterDone {
			return
		}
	}
}
