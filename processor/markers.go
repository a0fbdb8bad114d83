package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	appconfig "cortexflow/config"
	"cortexflow/internal/channel"
	"cortexflow/internal/metrics"
	"cortexflow/logger"
	"cortexflow/models"
)

// FlattenerStats counts what the flattener has consumed and produced.
type FlattenerStats struct {
	Frames         int64
	Rows           int64
	Batches        int64
	BatchesDropped int64
}

// MarkerFlattener turns owned frames into marker rows and batches them per
// body before forwarding to the writers.
type MarkerFlattener struct {
	config   *appconfig.Config
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	defsMu sync.RWMutex
	defs   *models.BodyDefs

	batches   map[string]*models.MarkerBatch
	lastFlush map[string]time.Time

	frames, rows, sent, dropped atomic.Int64
}

func NewMarkerFlattener(cfg *appconfig.Config, channels *channel.Channels) *MarkerFlattener {
	return &MarkerFlattener{
		config:    cfg,
		channels:  channels,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		batches:   make(map[string]*models.MarkerBatch),
		lastFlush: make(map[string]time.Time),
	}
}

// SetBodyDefs installs the schema used to name markers. The flattener keeps
// its own copy.
func (p *MarkerFlattener) SetBodyDefs(defs *models.BodyDefs) {
	var owned *models.BodyDefs
	if defs != nil {
		owned = defs.Clone()
	}
	p.defsMu.Lock()
	p.defs = owned
	p.defsMu.Unlock()
}

func (p *MarkerFlattener) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("marker flattener already running")
	}
	p.running = true
	p.ctx = ctx
	p.mu.Unlock()

	log := p.log.WithComponent("marker_flattener").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting marker flattener")

	p.wg.Add(1)
	go p.worker()

	p.wg.Add(1)
	go p.flusher()

	p.wg.Add(1)
	go p.metricsReporter()

	return nil
}

// Stop waits for the workers and forwards whatever is still batched. Cancel
// the start context or close the frame channel first.
func (p *MarkerFlattener) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("marker_flattener").Info("stopping marker flattener")
	p.wg.Wait()
	p.flushAll(context.Background())
	p.log.WithComponent("marker_flattener").WithFields(logger.Fields{
		"frames":  p.frames.Load(),
		"rows":    p.rows.Load(),
		"batches": p.sent.Load(),
		"dropped": p.dropped.Load(),
	}).Info("marker flattener stopped")
}

func (p *MarkerFlattener) Stats() FlattenerStats {
	return FlattenerStats{
		Frames:         p.frames.Load(),
		Rows:           p.rows.Load(),
		Batches:        p.sent.Load(),
		BatchesDropped: p.dropped.Load(),
	}
}

func (p *MarkerFlattener) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.channels.Frames:
			if !ok {
				return
			}
			p.handleFrame(msg)
		}
	}
}

func (p *MarkerFlattener) handleFrame(msg models.CapturedFrame) {
	defer p.channels.PutFrame(msg.Frame)
	if msg.Frame == nil {
		return
	}

	p.defsMu.RLock()
	rows := FlattenFrame(msg.Frame, msg.ReceivedAt, p.defs)
	p.defsMu.RUnlock()

	p.frames.Add(1)
	if len(rows) == 0 {
		return
	}
	p.rows.Add(int64(len(rows)))
	metrics.MarkerRows(len(rows))

	p.addToBatch(msg, rows)
}

// FlattenFrame returns one row per marker with data. Marker names come from
// defs when the body is defined there; unidentified markers are listed under
// UnidentifiedBody with an empty name.
func FlattenFrame(f *models.FrameOfData, at time.Time, defs *models.BodyDefs) []models.MarkerRow {
	n := len(f.UnidentifiedMarkers)
	for i := range f.Bodies {
		n += len(f.Bodies[i].Markers)
	}
	rows := make([]models.MarkerRow, 0, n)

	take := ""
	if f.RecordingStatus.Recording {
		take = f.RecordingStatus.Filename
	}
	row := func(body, marker string, idx int, m models.Marker, residual float32) models.MarkerRow {
		return models.MarkerRow{
			Frame:     f.Frame,
			Timestamp: at,
			Body:      body,
			Marker:    marker,
			Index:     idx,
			X:         m[0],
			Y:         m[1],
			Z:         m[2],
			Residual:  residual,
			Recording: f.RecordingStatus.Recording,
			TakeFile:  take,
		}
	}

	for i := range f.Bodies {
		body := &f.Bodies[i]
		var def *models.BodyDef
		if defs != nil {
			def, _ = defs.Lookup(body.Name)
		}
		for j, m := range body.Markers {
			if m.Empty() {
				continue
			}
			name := fmt.Sprintf("marker_%d", j)
			if def != nil {
				if dn, err := def.MarkerName(j); err == nil {
					name = dn
				}
			}
			rows = append(rows, row(body.Name, name, j, m, body.AvgMarkerResidual))
		}
	}
	for j, m := range f.UnidentifiedMarkers {
		if m.Empty() {
			continue
		}
		rows = append(rows, row(models.UnidentifiedBody, "", j, m, 0))
	}
	return rows
}

func (p *MarkerFlattener) addToBatch(msg models.CapturedFrame, rows []models.MarkerRow) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := 0
	for start < len(rows) {
		body := rows[start].Body
		end := start + 1
		for end < len(rows) && rows[end].Body == body {
			end++
		}

		batch, ok := p.batches[body]
		if !ok {
			batch = &models.MarkerBatch{
				BatchID:     uuid.New().String(),
				Body:        body,
				Rows:        make([]models.MarkerRow, 0, p.config.Processor.BatchSize),
				FirstFrame:  msg.Frame.Frame,
				Timestamp:   msg.ReceivedAt,
				ProcessedAt: time.Now(),
			}
			p.batches[body] = batch
			p.lastFlush[body] = time.Now()
		}
		batch.Rows = append(batch.Rows, rows[start:end]...)
		batch.RecordCount = len(batch.Rows)
		batch.LastFrame = msg.Frame.Frame
		if msg.ReceivedAt.After(batch.Timestamp) {
			batch.Timestamp = msg.ReceivedAt
		}

		if batch.RecordCount >= p.config.Processor.BatchSize {
			p.flush(p.ctx, body)
		}
		start = end
	}
}

func (p *MarkerFlattener) flusher() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.Processor.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.flushTimedOut()
		}
	}
}

func (p *MarkerFlattener) flushTimedOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for k, t := range p.lastFlush {
		if now.Sub(t) >= p.config.Processor.BatchTimeout {
			p.flush(p.ctx, k)
		}
	}
}

// flush hands the batch for body to the writers. p.mu must be held. A batch
// the storage channel cannot take is dropped.
func (p *MarkerFlattener) flush(ctx context.Context, body string) {
	batch, ok := p.batches[body]
	delete(p.batches, body)
	delete(p.lastFlush, body)
	if !ok || batch.RecordCount == 0 {
		return
	}

	if p.channels.SendBatch(ctx, *batch) {
		p.sent.Add(1)
	} else {
		p.dropped.Add(1)
		metrics.EmitDropMetric(p.log, metrics.DropMetricMarkerBatch, body, "flatten")
		p.log.WithComponent("marker_flattener").WithFields(logger.Fields{
			"body":    body,
			"records": batch.RecordCount,
		}).Warn("batch channel full, dropping batch")
	}
	if !p.channels.SendLive(ctx, *batch) {
		p.log.WithComponent("marker_flattener").WithFields(logger.Fields{"body": body}).Debug("live channel full, skipping batch")
	}
	if !p.channels.SendWarehouse(ctx, *batch) {
		p.log.WithComponent("marker_flattener").WithFields(logger.Fields{"body": body}).Debug("warehouse channel full, skipping batch")
	}
}

func (p *MarkerFlattener) flushAll(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.batches {
		p.flush(ctx, k)
	}
}

func (p *MarkerFlattener) metricsReporter() {
	defer p.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			running := p.running
			p.mu.RUnlock()
			if !running {
				return
			}
			p.log.WithComponent("marker_flattener").WithFields(logger.Fields{
				"frame_channel_len": len(p.channels.Frames),
				"frame_channel_cap": cap(p.channels.Frames),
				"batch_channel_len": len(p.channels.Batches),
				"batch_channel_cap": cap(p.channels.Batches),
			}).Info("marker flattener channel sizes")
		}
	}
}
