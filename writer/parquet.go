package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "cortexflow/config"
	"cortexflow/internal/metadata"
	"cortexflow/internal/metrics"
	"cortexflow/logger"
	"cortexflow/models"
)

// markerRecord defines the parquet schema for marker rows. Unidentified
// markers have an empty marker name.
type markerRecord struct {
	Frame     int32   `parquet:"name=frame, type=INT32"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Body      string  `parquet:"name=body, type=BYTE_ARRAY, convertedtype=UTF8"`
	Marker    string  `parquet:"name=marker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Index     int32   `parquet:"name=index, type=INT32"`
	X         float32 `parquet:"name=x, type=FLOAT"`
	Y         float32 `parquet:"name=y, type=FLOAT"`
	Z         float32 `parquet:"name=z, type=FLOAT"`
	Residual  float32 `parquet:"name=residual, type=FLOAT"`
	Recording bool    `parquet:"name=recording, type=BOOLEAN"`
	TakeFile  string  `parquet:"name=take_file, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toRecord(r models.MarkerRow) markerRecord {
	return markerRecord{
		Frame:     r.Frame,
		Timestamp: r.Timestamp.UnixMilli(),
		Body:      r.Body,
		Marker:    r.Marker,
		Index:     int32(r.Index),
		X:         r.X,
		Y:         r.Y,
		Z:         r.Z,
		Residual:  r.Residual,
		Recording: r.Recording,
		TakeFile:  r.TakeFile,
	}
}

// memFileWriter collects a parquet file in memory before upload.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, fmt.Errorf("unsupported parquet compression %q", name)
	}
}

// ParquetWriter consumes marker batches and writes them as parquet files,
// to S3 when storage.s3 is enabled and to writer.local_dir otherwise. Rows
// are buffered per body and flushed every flush interval or when a body
// reaches max size.
type ParquetWriter struct {
	cfg         *appconfig.Config
	batchChan   <-chan models.MarkerBatch
	s3Client    *s3.Client
	codec       parquet.CompressionCodec
	buffer      map[string][]models.MarkerRow
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log

	files    []string
	manifest *metadata.Manifest
}

// NewParquetWriter initializes a marker writer, with AWS credentials when
// uploads go to S3.
func NewParquetWriter(cfg *appconfig.Config, batchChan <-chan models.MarkerBatch) (*ParquetWriter, error) {
	codec, err := compressionCodec(cfg.Writer.Compression)
	if err != nil {
		return nil, err
	}
	w := &ParquetWriter{
		cfg:       cfg,
		batchChan: batchChan,
		codec:     codec,
		buffer:    make(map[string][]models.MarkerRow),
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
	}

	if cfg.Writer.Manifest && cfg.Writer.LocalDir != "" {
		w.manifest = metadata.NewManifest(cfg.Writer.LocalDir, cfg.Cortexflow.Name)
	}

	if !cfg.Storage.S3.Enabled {
		if cfg.Writer.LocalDir == "" {
			return nil, fmt.Errorf("writer.local_dir is required when S3 is disabled")
		}
		return w, nil
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	w.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return w, nil
}

func (w *ParquetWriter) target() string {
	if w.s3Client != nil {
		return "s3"
	}
	return "local"
}

func (w *ParquetWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("parquet writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.flushTicker = time.NewTicker(w.cfg.Writer.FlushInterval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushLoop()

	w.log.WithComponent("parquet_writer").WithFields(logger.Fields{"target": w.target()}).Info("parquet writer started")
	return nil
}

// Stop waits for the workers and flushes remaining rows. Cancel the start
// context or close the batch channel first.
func (w *ParquetWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.flushBuffers()
	w.log.WithComponent("parquet_writer").Info("parquet writer stopped")
}

// Files lists the object keys or local paths written so far.
func (w *ParquetWriter) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.files...)
}

func (w *ParquetWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case batch, ok := <-w.batchChan:
			if !ok {
				return
			}
			w.addBatch(batch)
		}
	}
}

func (w *ParquetWriter) addBatch(batch models.MarkerBatch) {
	w.mu.Lock()
	w.buffer[batch.Body] = append(w.buffer[batch.Body], batch.Rows...)
	size := len(w.buffer[batch.Body])
	w.mu.Unlock()

	if w.cfg.Writer.MaxSize > 0 && size >= w.cfg.Writer.MaxSize {
		w.flushKey(batch.Body)
	}
}

func (w *ParquetWriter) flushKey(body string) {
	w.mu.Lock()
	rows, ok := w.buffer[body]
	if !ok || len(rows) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, body)
	w.mu.Unlock()

	w.writeRows(body, rows)
}

func (w *ParquetWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBuffers()
		}
	}
}

func (w *ParquetWriter) flushBuffers() {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.MarkerRow)
	w.mu.Unlock()

	for body, rows := range buffers {
		if len(rows) == 0 {
			continue
		}
		w.writeRows(body, rows)
	}
}

func (w *ParquetWriter) writeRows(body string, rows []models.MarkerRow) {
	start := time.Now()
	key := w.objectKey(body, rows[0].Timestamp)

	var (
		size int64
		err  error
	)
	if w.s3Client != nil {
		var data []byte
		data, err = w.createParquet(rows)
		if err == nil {
			size = int64(len(data))
			err = w.upload(key, data)
		}
	} else {
		key = filepath.Join(w.cfg.Writer.LocalDir, filepath.FromSlash(key))
		size, err = w.writeLocal(key, rows)
	}
	metrics.StorageWrite(w.target(), err)

	log := w.log.WithComponent("parquet_writer").WithFields(logger.Fields{
		"body":    body,
		"records": len(rows),
		"target":  w.target(),
	})
	if err != nil {
		log.WithError(err).Error("write parquet failed")
		return
	}

	duration := time.Since(start)
	fields := logger.Fields{
		"key":         key,
		"bytes":       size,
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(size) / duration.Seconds()
	}
	log.WithFields(fields).Info("marker batch written")
	logger.IncrementStorageWrite(w.target(), size)

	w.mu.Lock()
	w.files = append(w.files, key)
	w.mu.Unlock()

	if w.manifest != nil {
		df := metadata.DataFile{
			Path:        key,
			FileSize:    size,
			RecordCount: int64(len(rows)),
			Body:        body,
			FirstFrame:  rows[0].Frame,
			LastFrame:   rows[len(rows)-1].Frame,
			Partition:   map[string]string{"body": body, "session": w.cfg.Cortexflow.Name},
			Timestamp:   rows[0].Timestamp,
		}
		if err := w.manifest.AddFile(df); err != nil {
			log.WithError(err).Warn("failed to update session manifest")
		}
	}
}

// Manifest returns the session manifest, nil unless writer.manifest is set
// with a local_dir.
func (w *ParquetWriter) Manifest() *metadata.Manifest {
	return w.manifest
}

func (w *ParquetWriter) writeRecords(fw source.ParquetFile, rows []models.MarkerRow) error {
	pw, err := writer.NewParquetWriter(fw, new(markerRecord), 4)
	if err != nil {
		return err
	}
	pw.CompressionType = w.codec
	for _, r := range rows {
		if err := pw.Write(toRecord(r)); err != nil {
			return err
		}
	}
	return pw.WriteStop()
}

func (w *ParquetWriter) createParquet(rows []models.MarkerRow) ([]byte, error) {
	mw := newMemFileWriter()
	if err := w.writeRecords(mw, rows); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (w *ParquetWriter) writeLocal(path string, rows []models.MarkerRow) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, err
	}
	if err := w.writeRecords(fw, rows); err != nil {
		fw.Close()
		return 0, err
	}
	if err := fw.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (w *ParquetWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

// objectKey builds prefix/partitions/time/markers_<body>_<nanos>_<id>.parquet.
func (w *ParquetWriter) objectKey(body string, timestamp time.Time) string {
	timestamp = timestamp.UTC()

	var parts []string
	if w.s3Client != nil && w.cfg.Storage.S3.Prefix != "" {
		parts = append(parts, strings.Trim(w.cfg.Storage.S3.Prefix, "/"))
	}
	for _, k := range w.cfg.Writer.Partitioning.AdditionalKeys {
		switch k {
		case "body":
			parts = append(parts, fmt.Sprintf("body=%s", body))
		case "session":
			parts = append(parts, fmt.Sprintf("session=%s", w.cfg.Cortexflow.Name))
		}
	}

	timePath := w.cfg.Writer.Partitioning.TimeFormat
	timePath = strings.ReplaceAll(timePath, "{year}", fmt.Sprintf("%04d", timestamp.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", int(timestamp.Month())))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", timestamp.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", timestamp.Hour()))
	if timePath != "" {
		parts = append(parts, timePath)
	}

	filename := fmt.Sprintf("markers_%s_%d_%s.parquet", body, timestamp.UnixNano(), uuid.New().String()[:8])
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
