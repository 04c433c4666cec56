package connection

import (
	"net"
	"testing"
	"time"

	"github.com/plcnet/plcnode/internal/modbus"
)

type nullTap struct{}

func (nullTap) LogSend([]byte) {}
func (nullTap) LogRecv([]byte) {}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func tick(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// TestClientServerHappyPath exercises a single FC3 exchange end to end
// through two real Connection state machines wired over loopback TCP.
func TestClientServerHappyPath(t *testing.T) {
	port := freePort(t)

	serverParams := Params{
		ID: 1, Role: RoleServer, Kind: TransportTCP,
		LocalPort: port,
		Areas:     []AreaConfig{{Type: modbus.HoldingRegister, DB: 1, Start: 0, End: 9}},
	}
	clientParams := Params{
		ID: 2, Role: RoleClient, Kind: TransportTCP,
		RemoteHost: "127.0.0.1", RemotePort: port, SingleWrite: true,
		Areas: []AreaConfig{{Type: modbus.HoldingRegister, DB: 1, Start: 0, End: 9}},
	}

	server, err := New(serverParams, nullTap{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = server.Store.WriteWord(modbus.HoldingRegister, 1, 0x2222)
	_ = server.Store.WriteWord(modbus.HoldingRegister, 2, 0x3333)

	client, err := New(clientParams, nullTap{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	serverIn := CycleInput{Enable: 1, Disconnect: true, ConnTimeout: 2 * time.Second, RecvTimeout: 2 * time.Second}
	clientIn := CycleInput{
		Enable: 1, Disconnect: true, ConnTimeout: 2 * time.Second, RecvTimeout: 2 * time.Second,
		Request: ClientRequest{DataType: modbus.HoldingRegister, WriteRead: false, StartAddress: 1, Length: 2},
	}

	server.Advance(serverIn)
	time.Sleep(20 * time.Millisecond)
	client.Advance(clientIn)

	tick(t, func() bool {
		server.Advance(serverIn)
		client.Advance(clientIn)
		return client.Top == modbus.Done
	})

	if client.Error {
		t.Fatalf("unexpected client error, modbus status %v", client.ModbusStatus)
	}
	if client.Busy {
		t.Fatalf("expected Busy=false once the client reaches DONE")
	}
	if client.Descriptor.Length != 2 || client.Descriptor.StartAddress != 1 {
		t.Fatalf("unexpected descriptor: %+v", client.Descriptor)
	}
	v1, _ := client.Store.ReadWord(modbus.HoldingRegister, 1)
	v2, _ := client.Store.ReadWord(modbus.HoldingRegister, 2)
	if v1 != 0x2222 || v2 != 0x3333 {
		t.Fatalf("client store not updated: %#04x %#04x", v1, v2)
	}
}

// TestReadFinishStatusLatchesExactlyOneCycle drives the state machine
// directly (no real Transport worker) to pin down the read_finish_status
// edge-reporting behavior (§4.6) independent of goroutine scheduling.
func TestReadFinishStatusLatchesExactlyOneCycle(t *testing.T) {
	params := Params{
		ID: 1, Role: RoleClient, Kind: TransportTCP,
		Areas: []AreaConfig{{Type: modbus.HoldingRegister, DB: 1, Start: 0, End: 1}},
	}
	conn, err := New(params, nullTap{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate the worker terminating with an error, bypassing the real
	// mailbox plumbing.
	conn.Top = modbus.ClientError
	conn.Error = true
	conn.ModbusStatus = modbus.UnknownException
	conn.ReadFinishStatus = 0
	conn.prevEnable = 1

	in := CycleInput{Enable: 1, Disconnect: true, ConnTimeout: time.Second, RecvTimeout: time.Second}

	conn.Advance(in) // quiet cycle: outputs unchanged, latch flips to 1
	if conn.ReadFinishStatus != 1 {
		t.Fatalf("want ReadFinishStatus 1 after the quiet cycle, got %d", conn.ReadFinishStatus)
	}
	if conn.Top != modbus.ClientError {
		t.Fatalf("status must not change during the quiet cycle, got %v", conn.Top)
	}

	// A client only restarts on a rising edge of enable, never on a
	// merely-held-high one (§4.6).
	conn.Advance(CycleInput{Enable: 0, Disconnect: true, ConnTimeout: in.ConnTimeout, RecvTimeout: in.RecvTimeout})
	if conn.Top != modbus.ClientError {
		t.Fatalf("status must not change while enable is low, got %v", conn.Top)
	}
	conn.Advance(in) // rising edge: reconnect may proceed
	if conn.Top != modbus.NotStarted {
		t.Fatalf("expected reconnect to start a fresh worker, got %v", conn.Top)
	}
}

// TestClientConnTimeout reproduces the seed scenario: an unreachable peer
// causes CONN_TIMEOUT_ERROR with CONN_ESTABLISHED=false, and the
// connection restarts cleanly on the next rising edge of enable.
func TestClientConnTimeout(t *testing.T) {
	port := freePort(t) // nothing listens here

	params := Params{
		ID: 1, Role: RoleClient, Kind: TransportTCP,
		RemoteHost: "127.0.0.1", RemotePort: port,
		Areas: []AreaConfig{{Type: modbus.HoldingRegister, DB: 1, Start: 0, End: 9}},
	}
	conn, err := New(params, nullTap{}, nil)
	if err != nil {
		t.Fatal(err)
	}

	in := CycleInput{Enable: 1, Disconnect: true, ConnTimeout: 200 * time.Millisecond, RecvTimeout: 200 * time.Millisecond}
	conn.Advance(in)
	if !conn.Busy {
		t.Fatalf("expected Busy=true once a worker is spawned, pre-terminal")
	}

	tick(t, func() bool {
		conn.Advance(in)
		return conn.Top == modbus.ConnTimeoutError
	})

	if !conn.Error || conn.ConnEstablished {
		t.Fatalf("expected Error=true, ConnEstablished=false, got Error=%v ConnEstablished=%v", conn.Error, conn.ConnEstablished)
	}
	if conn.ConnStatus != modbus.MonitoringTimeElapsed {
		t.Fatalf("want MonitoringTimeElapsed, got %v", conn.ConnStatus)
	}
	if conn.Busy {
		t.Fatalf("expected Busy=false once the connection reaches a terminal status")
	}

	// one quiet read-finish cycle, then a rising edge respawns the worker
	conn.Advance(CycleInput{Enable: 0, Disconnect: true, ConnTimeout: in.ConnTimeout, RecvTimeout: in.RecvTimeout})
	conn.Advance(CycleInput{Enable: 1, Disconnect: true, ConnTimeout: in.ConnTimeout, RecvTimeout: in.RecvTimeout})
	if conn.Top != modbus.NotStarted {
		t.Fatalf("expected a fresh NOT_STARTED worker spawn, got %v", conn.Top)
	}
}
