// Command plcnode runs one PLC node process: it loads the node's
// connection config, builds a function block per configured connection,
// drives them on a cyclic scan, and optionally exposes a read-only
// operator API over the running connections.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/plcnet/plcnode/internal/api"
	"github.com/plcnet/plcnode/internal/api/middleware"
	"github.com/plcnet/plcnode/internal/archive"
	"github.com/plcnet/plcnode/internal/audit"
	"github.com/plcnet/plcnode/internal/connection"
	"github.com/plcnet/plcnode/internal/engineconfig"
	"github.com/plcnet/plcnode/internal/logger"
	"github.com/plcnet/plcnode/internal/metrics"
	"github.com/plcnet/plcnode/internal/plc"
	"github.com/plcnet/plcnode/internal/plcconfig"
	"github.com/plcnet/plcnode/internal/tap"
	"github.com/plcnet/plcnode/internal/websocket"
)

func main() {
	nodeID := flag.Int("node-id", 1, "this node's numeric identifier, used in tap-log and audit records")
	connConfig := flag.String("conn-config", "", "path to this node's connection config file (required)")
	engineConfigPath := flag.String("config", "", "path to the engine-level config file (defaults to ./configs/node.yaml)")
	flag.Parse()

	if *connConfig == "" {
		fmt.Fprintln(os.Stderr, "plcnode: -conn-config is required")
		os.Exit(1)
	}

	cfg, err := engineconfig.Load(*engineConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "plcnode: loading engine config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:            cfg.Logger.Level,
		LogDir:           cfg.Logger.Dir,
		MaxSizeMB:        cfg.Logger.MaxSizeMB,
		MaxBackups:       cfg.Logger.MaxBackups,
		MaxAgeDays:       cfg.Logger.MaxAgeDays,
		SampleInitial:    cfg.Logger.SampleInitial,
		SampleThereafter: cfg.Logger.SampleThereafter,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "plcnode: initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.WithNode(*nodeID)
	log.Info("starting node", zap.Int("node_id", *nodeID), zap.String("conn_config", *connConfig))

	idsHost := cfg.Tap.IDSHost
	if idsHost == "" {
		if resolved, _ := plcconfig.ResolveIDSHost(cfg.Tap.HostConfigDir, cfg.Tap.MaxHosts); resolved != "" {
			idsHost = resolved
		} else {
			idsHost = "127.0.0.1"
		}
	}

	tapSink, err := tap.New(tap.Config{
		LocalID:       *nodeID,
		IDSHost:       idsHost,
		IDSPort:       cfg.Tap.IDSPort,
		NodeLogDir:    cfg.Logger.Dir,
		MQTTBrokerURL: cfg.Tap.MQTTBrokerURL,
		MQTTTopic:     cfg.Tap.MQTTTopic,
		MQTTEnabled:   cfg.Tap.MQTTEnabled,
	})
	if err != nil {
		log.Fatal("initializing tap sink", zap.Error(err))
	}
	defer tapSink.Close()

	var auditStore *audit.Store
	if cfg.Audit.Enabled {
		auditStore, err = audit.Open(audit.Config{
			Driver:     cfg.Audit.Driver,
			DSN:        cfg.Audit.DSN,
			RedisAddr:  cfg.Audit.RedisAddr,
			RedisCache: cfg.Audit.RedisCache,
			CacheTTL:   24 * time.Hour,
		})
		if err != nil {
			log.Fatal("opening audit store", zap.Error(err))
		}
		defer auditStore.Close()
	}

	archiver, err := archive.New(cfg.Archive)
	if err != nil {
		log.Fatal("initializing archiver", zap.Error(err))
	}
	defer archiver.Close()

	var metricsStore *metrics.Store
	if cfg.Metrics.Enabled {
		metricsStore, err = metrics.OpenStore(metrics.StoreConfig{
			InfluxEnabled: cfg.Metrics.InfluxURL != "",
			InfluxURL:     cfg.Metrics.InfluxURL,
			InfluxToken:   cfg.Metrics.InfluxToken,
			InfluxOrg:     cfg.Metrics.InfluxOrg,
			InfluxBucket:  cfg.Metrics.InfluxBucket,
			MongoEnabled:  cfg.Metrics.MongoURI != "",
			MongoURI:      cfg.Metrics.MongoURI,
			MongoDatabase: cfg.Metrics.MongoDB,
		})
		if err != nil {
			log.Fatal("opening metrics store", zap.Error(err))
		}
		defer metricsStore.Close()
	}
	inProcMetrics := metrics.NewMetrics()

	paramsList, err := plcconfig.ParseConnectionConfig(*connConfig)
	if err != nil {
		log.Fatal("parsing connection config", zap.Error(err))
	}
	if len(paramsList) == 0 {
		log.Fatal("connection config defines no Connection_ID blocks", zap.String("path", *connConfig))
	}

	mapper := &loggingMapper{log: log}

	registry := api.NewRegistry()
	blocks := make([]*connection.FunctionBlock, 0, len(paramsList))
	for _, params := range paramsList {
		fb, err := connection.NewFunctionBlock(params, tapSink, mapper)
		if err != nil {
			log.Fatal("building function block", zap.Int("connection_id", params.ID), zap.Error(err))
		}
		blocks = append(blocks, fb)
		registry.Register(*nodeID, fb.Connection())
		inProcMetrics.IncrementConnections()
	}

	var wsHub *websocket.Hub
	var apiService *api.Service
	if cfg.API.Enabled {
		wsHub = websocket.NewHub()
		go wsHub.Run()

		apiService = api.NewService(registry, auditStore, wsHub)
		handler := api.NewHandler(apiService)

		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		app.Use(metrics.MetricsMiddleware(inProcMetrics))
		handler.SetupRoutes(app, middleware.JWTConfig{
			SecretKey: cfg.API.JWTSecret,
			SkipPaths: []string{"/api/v1/health", "/api/v1/ws", "/api/v1/ws-raw"},
		})
		app.Get("/metrics", func(c *fiber.Ctx) error {
			c.Set("Content-Type", "text/plain; version=0.0.4")
			return c.SendString(inProcMetrics.PrometheusFormat())
		})

		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		go func() {
			log.Info("operator API listening", zap.String("addr", addr))
			if err := app.Listen(addr); err != nil {
				log.Error("operator API stopped", zap.Error(err))
			}
		}()
		defer app.Shutdown()
	}

	lastTop := make([]int, len(blocks))
	for i, fb := range blocks {
		lastTop[i] = int(fb.Connection().Top)
	}

	driver := plc.NewScanDriver(cfg.Scan.Interval, cfg.Scan.DilationFactor)
	for i, fb := range blocks {
		i, fb := i, fb
		driver.Register(func() {
			fb.Cycle(connection.FunctionBlockInputs{
				Enable:      1,
				ConnTimeout: 5 * time.Second,
				RecvTimeout: 2 * time.Second,
			})

			c := fb.Connection()
			if int(c.Top) == lastTop[i] {
				return
			}
			lastTop[i] = int(c.Top)

			inProcMetrics.UpdateSystemMetrics()
			if apiService != nil {
				apiService.BroadcastConnectionStatus(*nodeID, c.Params.ID)
			}
			if auditStore != nil {
				_ = auditStore.Record(context.Background(), audit.Event{
					NodeID:       *nodeID,
					ConnectionID: c.Params.ID,
					Timestamp:    time.Now(),
					ToStatus:     c.Top,
					Error:        c.Error,
					ModbusStatus: c.ModbusStatus,
				})
			}
			if metricsStore != nil {
				_ = metricsStore.Snapshot(context.Background(), metrics.ConnectionSnapshot{
					NodeID:           *nodeID,
					ConnectionID:     c.Params.ID,
					Status:           c.Top.String(),
					Error:            c.Error,
					ModbusStatus:     uint16(c.ModbusStatus),
					ConnEstablished:  c.ConnEstablished,
					ReadFinishStatus: c.ReadFinishStatus,
				})
			}
		})
	}

	if err := driver.Start(); err != nil {
		log.Fatal("starting scan driver", zap.Error(err))
	}
	defer driver.Stop()

	log.Info("node running", zap.Int("connections", len(blocks)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
}

// loggingMapper is the ConnectionMapper passed to every function block:
// it has no physical link table of its own, so it just records the
// serial pre-flight notification for diagnostics.
type loggingMapper struct {
	log *zap.Logger
}

func (m *loggingMapper) Notify(localID, remoteID, connectionID int) error {
	m.log.Debug("serial connection mapper notified",
		zap.Int("local_id", localID), zap.Int("remote_id", remoteID), zap.Int("connection_id", connectionID))
	return nil
}
