package channel

import (
	"context"
	"sync"

	"cortexflow/logger"
	"cortexflow/models"
)

type ChannelStats struct {
	FramesSent     int64
	BatchesSent    int64
	LiveSent       int64
	FramesDropped  int64
	BatchesDropped int64
	LiveDropped    int64

	WarehouseSent    int64
	WarehouseDropped int64
}

// Channels carries owned frames from the data handler to the flattener and
// marker batches from the flattener to the writers. Live is nil when no live
// telemetry writer is configured.
type Channels struct {
	Frames  chan models.CapturedFrame
	Batches chan models.MarkerBatch
	Live    chan models.MarkerBatch
	// Warehouse is nil until EnableWarehouse.
	Warehouse chan models.MarkerBatch

	pool sync.Pool

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(frameBufferSize, batchBufferSize int, live bool) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Frames:  make(chan models.CapturedFrame, frameBufferSize),
		Batches: make(chan models.MarkerBatch, batchBufferSize),
		log:     log,
	}
	if live {
		c.Live = make(chan models.MarkerBatch, batchBufferSize)
	}
	c.pool.New = func() any { return &models.FrameOfData{} }

	log.WithComponent("recorder_channels").WithFields(logger.Fields{
		"frame_buffer_size": frameBufferSize,
		"batch_buffer_size": batchBufferSize,
		"live":              live,
	}).Info("recorder channels initialized")

	return c
}

// EnableWarehouse allocates the warehouse channel. It must be called before
// anything sends on c.
func (c *Channels) EnableWarehouse(size int) {
	if c.Warehouse != nil {
		return
	}
	c.Warehouse = make(chan models.MarkerBatch, size)
}

func (c *Channels) Close() {
	close(c.Frames)
	close(c.Batches)
	if c.Live != nil {
		close(c.Live)
	}
	if c.Warehouse != nil {
		close(c.Warehouse)
	}
	c.log.WithComponent("recorder_channels").Info("recorder channels closed")
}

// GetFrame returns an owned frame from the pool. Its arrays may hold data
// from an earlier use; CopyFrame resizes them.
func (c *Channels) GetFrame() *models.FrameOfData {
	return c.pool.Get().(*models.FrameOfData)
}

// PutFrame returns f to the pool once nothing references it.
func (c *Channels) PutFrame(f *models.FrameOfData) {
	if f == nil {
		return
	}
	c.pool.Put(f)
}

func (c *Channels) IncrementFramesSent() {
	c.statsMutex.Lock()
	c.stats.FramesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementBatchesSent() {
	c.statsMutex.Lock()
	c.stats.BatchesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementFramesDropped() {
	c.statsMutex.Lock()
	c.stats.FramesDropped++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementBatchesDropped() {
	c.statsMutex.Lock()
	c.stats.BatchesDropped++
	c.statsMutex.Unlock()
}

// SendFrame never blocks: a full channel drops the frame and the caller
// keeps ownership of it.
func (c *Channels) SendFrame(ctx context.Context, msg models.CapturedFrame) bool {
	select {
	case c.Frames <- msg:
		c.IncrementFramesSent()
		logger.RecordChannelMessage("frames", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementFramesDropped()
		return false
	}
}

func (c *Channels) SendBatch(ctx context.Context, msg models.MarkerBatch) bool {
	select {
	case c.Batches <- msg:
		c.IncrementBatchesSent()
		logger.RecordChannelMessage("batches", msg.RecordCount)
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementBatchesDropped()
		return false
	}
}

// SendLive offers msg to the live telemetry writer. It reports true when no
// live writer is configured.
func (c *Channels) SendLive(ctx context.Context, msg models.MarkerBatch) bool {
	if c.Live == nil {
		return true
	}
	select {
	case c.Live <- msg:
		c.statsMutex.Lock()
		c.stats.LiveSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.LiveDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// SendWarehouse mirrors SendLive for the warehouse channel.
func (c *Channels) SendWarehouse(ctx context.Context, msg models.MarkerBatch) bool {
	if c.Warehouse == nil {
		return true
	}
	select {
	case c.Warehouse <- msg:
		c.statsMutex.Lock()
		c.stats.WarehouseSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.WarehouseDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
