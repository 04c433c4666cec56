package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/plcnet/plcnode/internal/modbus"
)

// RunTCPClient runs a client-role Transport worker: connect (with backoff
// retry under the conn_timeout budget), then repeatedly take a
// next-request frame from the command mailbox, send it, wait for the
// reply, and hand the decoded payload back up (§4.4). A nil Frame on a
// CmdFrame command means "no more requests" and ends the exchange.
func RunTCPClient(ctx context.Context, p WorkerParams, cmd *Mailbox[Command], resp *Mailbox[Response], tap TapLogger) {
	addr := net.JoinHostPort(p.RemoteHost, fmt.Sprintf("%d", p.RemotePort))

	conn, ok := dialWithBackoff(ctx, addr, p.ConnTimeout)
	if !ok {
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

		out := modbus.AppendNonce(c.Frame)
		if err := conn.SetWriteDeadline(time.Now().Add(p.ConnTimeout)); err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ClientError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		if _, err := conn.Write(out); err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ClientError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		tap.LogSend(c.Frame)

		if err := conn.SetReadDeadline(time.Now().Add(p.RecvTimeout)); err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ClientError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		buf := make([]byte, 2048)
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				resp.Put(statusResponse(StatusTuple{Top: modbus.RecvTimeoutError, Error: true, ModbusStatus: modbus.UnknownException}))
				return
			}
			resp.Put(statusResponse(StatusTuple{Top: modbus.ClientError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}

		payload, err := modbus.StripNonce(buf[:n])
		if err != nil {
			resp.Put(statusResponse(StatusTuple{Top: modbus.ClientError, Error: true, ModbusStatus: modbus.UnknownException}))
			return
		}
		tap.LogRecv(payload)

		resp.Put(Response{Kind: RespFrame, Frame: payload})

		if p.DisconnectAfterDone {
			return
		}
	}
}

func dialWithBackoff(ctx context.Context, addr string, budget time.Duration) (net.Conn, bool) {
	deadline := time.Now().Add(budget)
	backoff := 100 * time.Millisecond
	const maxBackoff = time.Second

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		dialCtx, cancel := context.WithTimeout(ctx, remaining)
		conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
		cancel()
		if err == nil {
			return conn, true
		}
		if time.Until(deadline) <= 0 {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}
