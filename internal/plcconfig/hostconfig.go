package plcconfig

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// loopbackFallback is used whenever a host-config file is missing or
// can't be parsed — the partner is assumed local (§6).
const loopbackFallback = "127.0.0.1"

// ResolveHostIP resolves a remote partner name to an IP address by
// reading "<hostConfigDir>/<partnerName>", which carries a single
// "lxc.network.ipv4=A.B.C.D/M" line. A missing file, or one without that
// key, resolves to the loopback fallback rather than erroring — a
// partner with no network config is assumed to be on the same host.
func ResolveHostIP(hostConfigDir, partnerName string) string {
	ip, err := readLxcIPv4(filepath.Join(hostConfigDir, partnerName))
	if err != nil {
		return loopbackFallback
	}
	return ip
}

func readLxcIPv4(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) != "lxc.network.ipv4" {
			continue
		}
		cidr := strings.TrimSpace(value)
		ip, _, _ := strings.Cut(cidr, "/")
		if ip == "" {
			return "", fmt.Errorf("plcconfig: %s: empty lxc.network.ipv4 value", path)
		}
		return ip, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("plcconfig: %s: no lxc.network.ipv4 key found", path)
}

// ResolveIDSHost walks a node's numbered host-config table
// ("lxc1-0", "lxc2-0", ... up to maxHosts) and treats the first missing
// entry as the IDS host slot (a supplemented behavior recovered from the
// original PLCNet network-config conventions, not explicit in the
// connection/host config grammar itself). Its IP is resolved the same
// way as any partner, loopback fallback included.
func ResolveIDSHost(hostConfigDir string, maxHosts int) (ip string, index int) {
	for i := 1; i <= maxHosts; i++ {
		name := fmt.Sprintf("lxc%d-0", i)
		if _, err := os.Stat(filepath.Join(hostConfigDir, name)); os.IsNotExist(err) {
			return loopbackFallback, i
		}
		if resolved, err := readLxcIPv4(filepath.Join(hostConfigDir, name)); err == nil {
			ip, index = resolved, i
		}
	}
	if ip == "" {
		return loopbackFallback, maxHosts + 1
	}
	return ip, index
}
