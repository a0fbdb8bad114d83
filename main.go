package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cortexflow/config"
	"cortexflow/cortex"
	"cortexflow/internal/channel"
	"cortexflow/internal/dashboard"
	"cortexflow/internal/hostsim"
	"cortexflow/internal/metrics"
	"cortexflow/logger"
	"cortexflow/models"
	"cortexflow/processor"
	"cortexflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	simulate := flag.Bool("simulate", false, "Record from a built-in simulated capture host")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Cortexflow.Name,
		"version": cfg.Cortexflow.Version,
		"sdk":     cortex.SdkVersion(),
	}).Info("starting cortexflow recorder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Logging.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Metrics.Enabled {
		go metrics.Serve(ctx, cfg.Metrics.Address)
	}

	if *simulate {
		if env := config.AppEnvironment(); config.IsProductionLike(env) {
			log.WithFields(logger.Fields{"env": env}).Error("refusing to record from the simulated host")
			os.Exit(1)
		}
		sim := hostsim.New(hostsim.Options{
			BodyDefs:     hostsim.DefaultBodyDefs(cfg.Simulator.Bodies, cfg.Simulator.Markers),
			FrameRate:    cfg.Simulator.FrameRate,
			Unidentified: cfg.Simulator.Unidentified,
		})
		url, err := sim.Listen(cfg.Simulator.Address)
		if err != nil {
			log.WithError(err).Error("failed to start simulated host")
			os.Exit(1)
		}
		defer sim.Close()
		sim.Start(ctx)
		cfg.Cortex.HostAddress = url
	}

	channels := channel.NewChannels(cfg.Channels.FrameBuffer, cfg.Channels.BatchBuffer, cfg.Influx.Enabled)
	if cfg.ClickHouse.Enabled {
		channels.EnableWarehouse(cfg.Channels.BatchBuffer)
	}
	metrics.StartChannelSizeMetrics(ctx, channels, 30*time.Second)

	flattener := processor.NewMarkerFlattener(cfg, channels)

	var parquetWriter *writer.ParquetWriter
	if cfg.Storage.S3.Enabled || cfg.Writer.LocalDir != "" {
		parquetWriter, err = writer.NewParquetWriter(cfg, channels.Batches)
		if err != nil {
			log.WithError(err).Error("failed to create parquet writer")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("storage disabled; marker batches are discarded")
	}

	var influxWriter *writer.InfluxWriter
	if cfg.Influx.Enabled {
		influxWriter, err = writer.NewInfluxWriter(cfg, channels.Live)
		if err != nil {
			log.WithError(err).Error("failed to create influx writer")
			os.Exit(1)
		}
	}

	var warehouseWriter *writer.ClickHouseWriter
	if cfg.ClickHouse.Enabled {
		warehouseWriter, err = writer.NewClickHouseWriter(cfg, channels.Warehouse)
		if err != nil {
			log.WithError(err).Error("failed to create clickhouse writer")
			os.Exit(1)
		}
	}

	dash, err := dashboard.NewServer(cfg.Dashboard, log)
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	var wg sync.WaitGroup

	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Cortexflow.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	if err := flattener.Start(ctx); err != nil {
		log.WithError(err).Error("marker flattener failed to start")
		os.Exit(1)
	}
	if parquetWriter != nil {
		if err := parquetWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("parquet writer failed to start")
		}
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			discard(ctx, channels.Batches)
		}()
	}
	if influxWriter != nil {
		if err := influxWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("influx writer failed to start")
		}
	}
	if warehouseWriter != nil {
		if err := warehouseWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("clickhouse writer failed to start")
		}
	}

	client := cortex.NewClient(cfg, nil, log)
	if v, err := cortex.ParseVerbosity(cfg.Cortex.Verbosity); err == nil {
		if err := client.SetVerbosityLevel(v); err != nil {
			log.WithError(err).Warn("failed to set verbosity")
		}
	}
	client.SetDataHandlerFunc(frameSink(ctx, channels, log))
	dash.SetStatus(func() any {
		st := recorderStatus{
			Client:    client.Stats(),
			Channels:  channels.GetStats(),
			Flattener: flattener.Stats(),
			SessionID: client.SessionID(),
		}
		if info, err := client.GetHostInfo(); err == nil {
			st.Host = &info
		}
		if parquetWriter != nil {
			st.Files = parquetWriter.Files()
		}
		if influxWriter != nil {
			st.LivePoints = influxWriter.Written()
		}
		if warehouseWriter != nil {
			st.WarehouseRows = warehouseWriter.Rows()
		}
		return st
	})

	initCtx, initCancel := context.WithTimeout(ctx, cfg.Cortex.ConnectTimeout)
	err = client.Initialize(initCtx, cfg.Cortex.LocalAddress, cfg.Cortex.HostAddress)
	initCancel()
	if err != nil {
		log.WithError(err).Error("failed to connect to capture host")
		os.Exit(1)
	}

	if info, err := client.GetHostInfo(); err == nil {
		log.WithFields(logger.Fields{
			"host":       info.HostMachineName,
			"program":    info.HostProgramName,
			"version":    info.HostProgramVersion,
			"session_id": client.SessionID(),
		}).Info("connected to capture host")
	}

	if view, err := client.GetBodyDefs(); err != nil {
		log.WithError(err).Warn("failed to fetch body definitions; markers are named by position")
	} else if view != nil {
		flattener.SetBodyDefs(view.Defs())
		log.WithFields(logger.Fields{"bodies": view.Defs().NumBodyDefs()}).Info("body definitions loaded")
		if err := client.FreeBodyDefs(view); err != nil {
			log.WithError(err).Warn("failed to free body definitions")
		}
	}

	if resp, err := client.Request("GetContextFrameRate"); err == nil {
		if rate, err := resp.Float32(); err == nil {
			log.WithFields(logger.Fields{"frame_rate": rate}).Info("host frame rate")
		}
	}

	if _, err := client.Request("LiveMode"); err != nil {
		log.WithError(err).Error("failed to start live mode")
		client.Exit()
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	hostCheck := time.NewTicker(time.Second)
	defer hostCheck.Stop()
wait:
	for {
		select {
		case sig := <-sigChan:
			log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
			break wait
		case <-hostCheck.C:
			if info, err := client.GetHostInfo(); err == nil && !info.FoundHost {
				log.Warn("capture host lost")
				break wait
			}
		}
	}

	log.Info("starting graceful shutdown")
	if _, err := client.Request("Pause"); err != nil {
		log.WithError(err).Warn("failed to pause host")
	}
	stats := client.Stats()
	client.Exit()
	log.WithFields(logger.Fields{
		"frames_received":  stats.FramesReceived,
		"frames_delivered": stats.FramesDelivered,
		"frames_coalesced": stats.FramesCoalesced,
		"frames_malformed": stats.FramesMalformed,
		"commands":         stats.Commands,
	}).Info("capture client closed")

	cancel()

	log.Info("stopping marker flattener")
	flattener.Stop()

	if parquetWriter != nil {
		log.Info("stopping parquet writer")
		parquetWriter.Stop()
	}
	if influxWriter != nil {
		log.Info("stopping influx writer")
		influxWriter.Stop()
	}
	if warehouseWriter != nil {
		log.Info("stopping clickhouse writer")
		warehouseWriter.Stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	channels.Close()
	log.Info("cortexflow stopped")
}

// recorderStatus is served by the dashboard's /api/status.
type recorderStatus struct {
	SessionID     string                   `json:"session_id"`
	Host          *models.HostInfo         `json:"host,omitempty"`
	Client        cortex.Stats             `json:"client"`
	Channels      channel.ChannelStats     `json:"channels"`
	Flattener     processor.FlattenerStats `json:"flattener"`
	Files         []string                 `json:"files,omitempty"`
	LivePoints    int64                    `json:"live_points"`
	WarehouseRows int64                    `json:"warehouse_rows"`
}

// frameSink copies every delivered frame into a pooled owned frame and hands
// it to the flattener. Frames the channel cannot take are dropped.
func frameSink(ctx context.Context, channels *channel.Channels, log *logger.Log) cortex.DataHandler {
	return func(v cortex.FrameView) {
		f := channels.GetFrame()
		if err := v.CopyTo(f); err != nil {
			channels.PutFrame(f)
			log.WithComponent("main").WithError(err).Warn("failed to copy frame")
			return
		}
		if !channels.SendFrame(ctx, models.CapturedFrame{Frame: f, ReceivedAt: time.Now()}) {
			channels.PutFrame(f)
			metrics.EmitDropMetric(log, metrics.DropMetricFrameOwned, "", "handler")
		}
	}
}

func discard(ctx context.Context, batches <-chan models.MarkerBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-batches:
			if !ok {
				return
			}
		}
	}
}
