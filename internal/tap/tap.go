// Package tap implements the IDS tap log (§6): every SEND/RECV frame a
// Transport worker observes is mirrored to a UDP listener, appended to a
// per-node flat log file, and optionally mirrored onto an MQTT topic for
// sites that centralize onto a broker instead of a bespoke IDS listener
// (§11).
package tap

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/plcnet/plcnode/internal/logger"
)

// IDSPort is the fixed UDP port tap-log datagrams are sent to (§6).
const IDSPort = 8888

// Sink implements transport.TapLogger for one node: every LogSend/LogRecv
// call is best-effort — failures are logged locally and never propagated,
// per §7's propagation policy for tap-log failures.
type Sink struct {
	localID int
	idsAddr *net.UDPAddr
	conn    *net.UDPConn

	logMu  sync.Mutex
	logger *zap.Logger
	file   *os.File

	mqttClient mqtt.Client
	mqttTopic  string
}

// Config configures a Sink.
type Config struct {
	LocalID      int
	IDSHost      string
	IDSPort      int // 0 defaults to IDSPort
	NodeLogDir   string
	MQTTBrokerURL string
	MQTTTopic     string
	MQTTEnabled   bool
}

// New builds a Sink. The UDP socket is dialed (not listened on) so writes
// never block; a dial failure against a best-effort destination is not
// fatal — the Sink just drops datagrams from then on and logs a warning.
func New(cfg Config) (*Sink, error) {
	port := cfg.IDSPort
	if port == 0 {
		port = IDSPort
	}

	s := &Sink{
		localID: cfg.LocalID,
		logger:  logger.WithNode(cfg.LocalID),
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", cfg.IDSHost, port))
	if err != nil {
		s.logger.Warn("tap: resolving IDS address", zap.Error(err))
	} else {
		s.idsAddr = addr
		conn, dialErr := net.DialUDP("udp", nil, addr)
		if dialErr != nil {
			s.logger.Warn("tap: dialing IDS UDP socket", zap.Error(dialErr))
		} else {
			s.conn = conn
		}
	}

	if cfg.NodeLogDir != "" {
		if err := os.MkdirAll(cfg.NodeLogDir, 0755); err != nil {
			return nil, fmt.Errorf("tap: creating node log directory: %w", err)
		}
		path := filepath.Join(cfg.NodeLogDir, fmt.Sprintf("node_%d_log", cfg.LocalID))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("tap: opening per-node log: %w", err)
		}
		s.file = f
	}

	if cfg.MQTTEnabled {
		opts := mqtt.NewClientOptions().AddBroker(cfg.MQTTBrokerURL).SetClientID(fmt.Sprintf("plcnode-tap-%d", cfg.LocalID))
		client := mqtt.NewClient(opts)
		if token := client.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
			s.logger.Warn("tap: connecting to MQTT broker", zap.Error(token.Error()))
		} else {
			s.mqttClient = client
			s.mqttTopic = cfg.MQTTTopic
		}
	}

	return s, nil
}

// LogSend records a SEND event.
func (s *Sink) LogSend(frame []byte) { s.log("SEND", frame) }

// LogRecv records a RECV event.
func (s *Sink) LogRecv(frame []byte) { s.log("RECV", frame) }

func (s *Sink) log(direction string, frame []byte) {
	ts := time.Now().Format(time.RFC3339Nano)
	digest := md5.Sum(frame)
	digestHex := hex.EncodeToString(digest[:])
	payloadHex := hex.EncodeToString(frame)

	udpLine := fmt.Sprintf("%d,%s,%s,%s,%s", s.localID, ts, direction, digestHex, payloadHex)
	fileLine := fmt.Sprintf("%s,%s,%s,%s", ts, direction, digestHex, payloadHex)

	if s.conn != nil {
		if _, err := s.conn.Write([]byte(udpLine)); err != nil {
			s.logger.Warn("tap: sending IDS datagram", zap.Error(err))
		}
	}

	if s.file != nil {
		s.logMu.Lock()
		_, err := fmt.Fprintln(s.file, fileLine)
		s.logMu.Unlock()
		if err != nil {
			s.logger.Warn("tap: appending to per-node log", zap.Error(err))
		}
	}

	if s.mqttClient != nil {
		token := s.mqttClient.Publish(s.mqttTopic, 0, false, udpLine)
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			s.logger.Warn("tap: publishing MQTT mirror", zap.Error(token.Error()))
		}
	}
}

// Close releases the UDP socket, the per-node log file, and the MQTT
// client, in that order. Best-effort: the first error is returned, but
// every resource is still given a chance to close.
func (s *Sink) Close() error {
	var firstErr error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			firstErr = err
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect(250)
	}
	return firstErr
}
