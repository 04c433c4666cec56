package plcconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/plcnet/plcnode/internal/connection"
	"github.com/plcnet/plcnode/internal/modbus"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseConnectionConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "node_1_connections.conf", `
Connection_ID=1
Remote_Port=502
Local_Port=502
Remote_Partner_Name=plc2
Is_Server=1
Single_Write_Enabled=1
Data_Area_1=3,1,0,9
Data_Area_2=1,1,0,19

Connection_ID=2
Remote_Port=503
Remote_Partner_Name=plc3
Is_Server=0
Single_Write_Enabled=0
Data_Area_1=3,1,0,4
`)

	conns, err := ParseConnectionConfig(path)
	if err != nil {
		t.Fatalf("ParseConnectionConfig: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("want 2 connections, got %d", len(conns))
	}

	c1 := conns[0]
	if c1.ID != 1 || c1.Role != connection.RoleServer || !c1.SingleWrite {
		t.Errorf("connection 1 fields wrong: %+v", c1)
	}
	if len(c1.Areas) != 2 || c1.Areas[0].Type != modbus.HoldingRegister || c1.Areas[1].Type != modbus.Coils {
		t.Errorf("connection 1 areas wrong: %+v", c1.Areas)
	}

	c2 := conns[1]
	if c2.ID != 2 || c2.Role != connection.RoleClient || c2.SingleWrite {
		t.Errorf("connection 2 fields wrong: %+v", c2)
	}
}

func TestParseConnectionConfigRejectsEndBeforeStart(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "bad.conf", "Connection_ID=1\nData_Area_1=3,1,9,0\n")

	if _, err := ParseConnectionConfig(path); err == nil {
		t.Fatal("expected an error for end < start")
	}
}

func TestParseConnectionConfigRejectsUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, "bad.conf", "Connection_ID=1\nFrobnicate=1\n")

	if _, err := ParseConnectionConfig(path); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestResolveHostIPFallsBackToLoopback(t *testing.T) {
	dir := t.TempDir()
	if ip := ResolveHostIP(dir, "nonexistent-partner"); ip != "127.0.0.1" {
		t.Errorf("want loopback fallback, got %q", ip)
	}
}

func TestResolveHostIPParsesLxcNetworkLine(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "plc2", "lxc.network.type=veth\nlxc.network.ipv4=10.0.0.5/24\n")

	if ip := ResolveHostIP(dir, "plc2"); ip != "10.0.0.5" {
		t.Errorf("want 10.0.0.5, got %q", ip)
	}
}

func TestResolveIDSHostFindsFirstMissingSlot(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "lxc1-0", "lxc.network.ipv4=10.0.0.1/24\n")
	// lxc2-0 deliberately absent

	ip, idx := ResolveIDSHost(dir, 4)
	if idx != 2 {
		t.Errorf("want IDS slot 2, got %d", idx)
	}
	if ip != "127.0.0.1" {
		t.Errorf("want loopback fallback for the missing slot, got %q", ip)
	}
}
