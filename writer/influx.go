package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	appconfig "cortexflow/config"
	"cortexflow/internal/metrics"
	"cortexflow/logger"
	"cortexflow/models"
)

// pointWriter is the part of the InfluxDB client the writer uses.
type pointWriter interface {
	WritePoints(ctx context.Context, points []*influxdb3.Point, options ...influxdb3.WriteOption) error
	Close() error
}

// InfluxWriter streams marker batches to InfluxDB v3 as live telemetry. One
// point is written per marker row, tagged with body and marker.
type InfluxWriter struct {
	cfg       *appconfig.Config
	batchChan <-chan models.MarkerBatch
	client    pointWriter
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.Mutex
	running   bool
	log       *logger.Log

	written int64
}

func NewInfluxWriter(cfg *appconfig.Config, batchChan <-chan models.MarkerBatch) (*InfluxWriter, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     cfg.Influx.URL,
		Token:    cfg.Influx.Token,
		Database: cfg.Influx.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}
	return newInfluxWriter(cfg, batchChan, client), nil
}

func newInfluxWriter(cfg *appconfig.Config, batchChan <-chan models.MarkerBatch, client pointWriter) *InfluxWriter {
	return &InfluxWriter{
		cfg:       cfg,
		batchChan: batchChan,
		client:    client,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}
}

func (w *InfluxWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("influx writer already running")
	}
	w.running = true
	w.ctx = ctx

	w.wg.Add(1)
	go w.writeLoop()

	w.log.WithComponent("influx_writer").WithFields(logger.Fields{
		"database":    w.cfg.Influx.Database,
		"measurement": w.cfg.Influx.Measurement,
	}).Info("influx writer started")
	return nil
}

// Stop waits for the write loop and closes the client. Cancel the start
// context or close the batch channel first.
func (w *InfluxWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	if err := w.client.Close(); err != nil {
		w.log.WithComponent("influx_writer").WithError(err).Warn("close influx client")
	}
	w.log.WithComponent("influx_writer").WithFields(logger.Fields{"points": w.Written()}).Info("influx writer stopped")
}

// Written is the number of points accepted by the server.
func (w *InfluxWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *InfluxWriter) writeLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case batch, ok := <-w.batchChan:
			if !ok {
				return
			}
			if err := w.writeBatch(batch); err != nil {
				w.log.WithComponent("influx_writer").WithError(err).WithFields(logger.Fields{
					"body":    batch.Body,
					"records": batch.RecordCount,
				}).Warn("failed to write points")
			}
		}
	}
}

func (w *InfluxWriter) points(rows []models.MarkerRow) []*influxdb3.Point {
	points := make([]*influxdb3.Point, 0, len(rows))
	for _, r := range rows {
		marker := r.Marker
		if marker == "" {
			marker = fmt.Sprintf("u%d", r.Index)
		}
		points = append(points, influxdb3.NewPoint(
			w.cfg.Influx.Measurement,
			map[string]string{
				"body":   r.Body,
				"marker": marker,
			},
			map[string]any{
				"frame":    int64(r.Frame),
				"x":        float64(r.X),
				"y":        float64(r.Y),
				"z":        float64(r.Z),
				"residual": float64(r.Residual),
			},
			r.Timestamp,
		))
	}
	return points
}

// writeBatch sends the rows in chunks of influx.batch_size points.
func (w *InfluxWriter) writeBatch(batch models.MarkerBatch) error {
	size := w.cfg.Influx.BatchSize
	if size <= 0 {
		size = len(batch.Rows)
	}
	ctx := context.WithoutCancel(w.ctx)
	for start := 0; start < len(batch.Rows); start += size {
		end := min(start+size, len(batch.Rows))
		points := w.points(batch.Rows[start:end])

		began := time.Now()
		err := w.client.WritePoints(ctx, points)
		metrics.StorageWrite("influx", err)
		if err != nil {
			return fmt.Errorf("write %d points: %w", len(points), err)
		}
		logger.IncrementStorageWrite("influx", int64(len(points)))
		logger.LogPerformanceEntry(w.log.WithComponent("influx_writer"), "influx_writer", "write_points",
			time.Since(began), logger.Fields{"points": len(points), "body": batch.Body})

		w.mu.Lock()
		w.written += int64(len(points))
		w.mu.Unlock()
	}
	return nil
}
