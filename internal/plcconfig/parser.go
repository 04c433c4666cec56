// Package plcconfig parses the per-node plain-text connection and host
// configuration files (§6): the Connection_ID blocks that build each
// Connection's Params, and the lxc.network.ipv4 host files used to
// resolve a remote partner name to an IP address.
package plcconfig

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/plcnet/plcnode/internal/connection"
	"github.com/plcnet/plcnode/internal/modbus"
)

// rawBlock accumulates one Connection_ID=N block's key/value pairs
// before it's turned into a connection.Params.
type rawBlock struct {
	id     int
	fields map[string]string
	areas  map[int]string
}

// ParseConnectionConfig reads a node's connection config file and returns
// one connection.Params per Connection_ID block, in file order.
func ParseConnectionConfig(path string) ([]connection.Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("plcconfig: opening connection config: %w", err)
	}
	defer f.Close()

	var blocks []*rawBlock
	var cur *rawBlock

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("plcconfig: %s:%d: malformed line %q (expected key=value)", path, lineNo, line)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)

		if key == "Connection_ID" {
			id, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("plcconfig: %s:%d: bad Connection_ID %q: %w", path, lineNo, value, err)
			}
			cur = &rawBlock{id: id, fields: map[string]string{}, areas: map[int]string{}}
			blocks = append(blocks, cur)
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("plcconfig: %s:%d: key %q before any Connection_ID block", path, lineNo, key)
		}

		if strings.HasPrefix(key, "Data_Area_") {
			idxStr := strings.TrimPrefix(key, "Data_Area_")
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 1 || idx > 8 {
				return nil, fmt.Errorf("plcconfig: %s:%d: bad data area key %q", path, lineNo, key)
			}
			cur.areas[idx] = value
			continue
		}

		switch key {
		case "Remote_Port", "Local_Port", "Remote_Partner_Name", "Is_Server", "Single_Write_Enabled":
			cur.fields[key] = value
		default:
			return nil, fmt.Errorf("plcconfig: %s:%d: unknown key %q", path, lineNo, key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("plcconfig: reading %s: %w", path, err)
	}

	out := make([]connection.Params, 0, len(blocks))
	for _, b := range blocks {
		p, err := b.build()
		if err != nil {
			return nil, fmt.Errorf("plcconfig: connection %d: %w", b.id, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *rawBlock) build() (connection.Params, error) {
	p := connection.Params{ID: b.id, Kind: connection.TransportTCP}

	if v, ok := b.fields["Remote_Port"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("bad Remote_Port %q: %w", v, err)
		}
		p.RemotePort = n
	}
	if v, ok := b.fields["Local_Port"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("bad Local_Port %q: %w", v, err)
		}
		p.LocalPort = n
	}
	if v, ok := b.fields["Remote_Partner_Name"]; ok {
		p.RemoteHostString = v
	}
	if v, ok := b.fields["Is_Server"]; ok {
		isServer, err := parseBool01(v)
		if err != nil {
			return p, fmt.Errorf("bad Is_Server %q: %w", v, err)
		}
		if isServer {
			p.Role = connection.RoleServer
		} else {
			p.Role = connection.RoleClient
		}
	}
	if v, ok := b.fields["Single_Write_Enabled"]; ok {
		sw, err := parseBool01(v)
		if err != nil {
			return p, fmt.Errorf("bad Single_Write_Enabled %q: %w", v, err)
		}
		p.SingleWrite = sw
	}

	for idx := 1; idx <= 8; idx++ {
		v, ok := b.areas[idx]
		if !ok {
			continue
		}
		area, err := parseDataArea(v)
		if err != nil {
			return p, fmt.Errorf("bad Data_Area_%d %q: %w", idx, v, err)
		}
		p.Areas = append(p.Areas, area)
	}

	return p, nil
}

func parseBool01(v string) (bool, error) {
	switch v {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected 0 or 1, got %q", v)
	}
}

// parseDataArea parses "data_type,db,start,end".
func parseDataArea(v string) (connection.AreaConfig, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return connection.AreaConfig{}, fmt.Errorf("expected 4 comma-separated fields, got %d", len(parts))
	}
	dtNum, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return connection.AreaConfig{}, fmt.Errorf("bad data_type: %w", err)
	}
	dt := modbus.DataType(dtNum)
	if dt < modbus.Coils || dt > modbus.InputRegister {
		return connection.AreaConfig{}, fmt.Errorf("data_type %d out of range 1-4", dtNum)
	}
	db, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return connection.AreaConfig{}, fmt.Errorf("bad db: %w", err)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 16)
	if err != nil {
		return connection.AreaConfig{}, fmt.Errorf("bad start: %w", err)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(parts[3]), 10, 16)
	if err != nil {
		return connection.AreaConfig{}, fmt.Errorf("bad end: %w", err)
	}
	if end < start {
		return connection.AreaConfig{}, fmt.Errorf("end (%d) less than start (%d)", end, start)
	}
	return connection.AreaConfig{Type: dt, DB: db, Start: uint16(start), End: uint16(end)}, nil
}
