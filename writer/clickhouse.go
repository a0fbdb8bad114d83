package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	appconfig "cortexflow/config"
	"cortexflow/internal/metrics"
	"cortexflow/logger"
	"cortexflow/models"
)

type rowBatch interface {
	Append(v ...any) error
	Send() error
	Abort() error
}

// warehouse is the part of a ClickHouse connection the writer needs.
type warehouse interface {
	Exec(ctx context.Context, query string, args ...any) error
	prepareBatch(ctx context.Context, query string) (rowBatch, error)
	Close() error
}

type chConn struct {
	driver.Conn
}

func (c chConn) prepareBatch(ctx context.Context, query string) (rowBatch, error) {
	return c.Conn.PrepareBatch(ctx, query)
}

// ClickHouseWriter buffers marker rows and inserts them into a MergeTree
// table, flushing at clickhouse.batch_size rows or every flush_interval.
type ClickHouseWriter struct {
	cfg       *appconfig.Config
	batchChan <-chan models.MarkerBatch
	conn      warehouse
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.Mutex
	running   bool
	log       *logger.Log

	pending []models.MarkerRow
	rows    int64
}

func NewClickHouseWriter(cfg *appconfig.Config, batchChan <-chan models.MarkerBatch) (*ClickHouseWriter, error) {
	ch := cfg.ClickHouse
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: ch.Addr,
		Auth: clickhouse.Auth{
			Database: ch.Database,
			Username: ch.Username,
			Password: ch.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	w := newClickHouseWriter(cfg, batchChan, chConn{conn})
	if err := w.createTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

func newClickHouseWriter(cfg *appconfig.Config, batchChan <-chan models.MarkerBatch, conn warehouse) *ClickHouseWriter {
	return &ClickHouseWriter{
		cfg:       cfg,
		batchChan: batchChan,
		conn:      conn,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		pending:   make([]models.MarkerRow, 0, cfg.ClickHouse.BatchSize),
	}
}

func (w *ClickHouseWriter) createTableQuery() string {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session String,
			frame Int32,
			timestamp DateTime64(3),
			body LowCardinality(String),
			marker String,
			idx UInt16,
			x Float32,
			y Float32,
			z Float32,
			residual Float32,
			recording Bool,
			take_file String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(timestamp)
		ORDER BY (session, body, frame, idx)`, w.cfg.ClickHouse.Table)
	if days := w.cfg.ClickHouse.TTLDays; days > 0 {
		q += fmt.Sprintf("\n\t\tTTL toDateTime(timestamp) + INTERVAL %d DAY", days)
	}
	return q + "\n\t\tSETTINGS index_granularity = 8192"
}

func (w *ClickHouseWriter) createTable(ctx context.Context) error {
	if err := w.conn.Exec(ctx, w.createTableQuery()); err != nil {
		return fmt.Errorf("failed to create table %s: %w", w.cfg.ClickHouse.Table, err)
	}
	return nil
}

func (w *ClickHouseWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("clickhouse writer already running")
	}
	w.running = true
	w.ctx = ctx

	w.wg.Add(1)
	go w.writeLoop()

	w.log.WithComponent("clickhouse_writer").WithFields(logger.Fields{
		"table":          w.cfg.ClickHouse.Table,
		"batch_size":     w.cfg.ClickHouse.BatchSize,
		"flush_interval": w.cfg.ClickHouse.FlushInterval,
	}).Info("clickhouse writer started")
	return nil
}

// Stop waits for the write loop, which flushes what it holds, and closes
// the connection.
func (w *ClickHouseWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	if err := w.conn.Close(); err != nil {
		w.log.WithComponent("clickhouse_writer").WithError(err).Warn("close clickhouse connection")
	}
	w.log.WithComponent("clickhouse_writer").WithFields(logger.Fields{"rows": w.Rows()}).Info("clickhouse writer stopped")
}

// Rows is the number of rows ClickHouse accepted.
func (w *ClickHouseWriter) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

func (w *ClickHouseWriter) writeLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ClickHouse.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushLogged()
			return
		case batch, ok := <-w.batchChan:
			if !ok {
				w.flushLogged()
				return
			}
			w.pending = append(w.pending, batch.Rows...)
			if len(w.pending) >= w.cfg.ClickHouse.BatchSize {
				w.flushLogged()
			}
		case <-ticker.C:
			w.flushLogged()
		}
	}
}

func (w *ClickHouseWriter) flushLogged() {
	n := len(w.pending)
	if err := w.flush(); err != nil {
		w.log.WithComponent("clickhouse_writer").WithError(err).WithFields(logger.Fields{"rows": n}).Warn("failed to insert rows")
	}
}

// flush inserts the pending rows. They are dropped on failure.
func (w *ClickHouseWriter) flush() error {
	if len(w.pending) == 0 {
		return nil
	}
	rows := w.pending
	w.pending = w.pending[:0]

	ctx := context.WithoutCancel(w.ctx)
	began := time.Now()
	err := w.insert(ctx, rows)
	metrics.StorageWrite("clickhouse", err)
	if err != nil {
		return err
	}

	logger.IncrementStorageWrite("clickhouse", int64(len(rows)))
	logger.LogPerformanceEntry(w.log.WithComponent("clickhouse_writer"), "clickhouse_writer", "insert",
		time.Since(began), logger.Fields{"rows": len(rows)})

	w.mu.Lock()
	w.rows += int64(len(rows))
	w.mu.Unlock()
	return nil
}

func (w *ClickHouseWriter) insert(ctx context.Context, rows []models.MarkerRow) error {
	batch, err := w.conn.prepareBatch(ctx, "INSERT INTO "+w.cfg.ClickHouse.Table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	session := w.cfg.Cortexflow.Name
	for _, r := range rows {
		err := batch.Append(
			session,
			r.Frame,
			r.Timestamp,
			r.Body,
			r.Marker,
			uint16(r.Index),
			r.X,
			r.Y,
			r.Z,
			r.Residual,
			r.Recording,
			r.TakeFile,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch of %d rows: %w", len(rows), err)
	}
	return nil
}
