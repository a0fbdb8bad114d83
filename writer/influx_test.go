package writer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"

	appconfig "cortexflow/config"
	"cortexflow/models"
)

type fakePoints struct {
	mu     sync.Mutex
	calls  []int
	fail   bool
	closed bool
}

func (f *fakePoints) WritePoints(_ context.Context, points []*influxdb3.Point, _ ...influxdb3.WriteOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("server unavailable")
	}
	f.calls = append(f.calls, len(points))
	return nil
}

func (f *fakePoints) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func influxConfig(batchSize int) *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Influx.Enabled = true
	cfg.Influx.Database = "mocap"
	cfg.Influx.BatchSize = batchSize
	return &cfg
}

func TestInfluxWriterChunksBatches(t *testing.T) {
	fake := &fakePoints{}
	batches := make(chan models.MarkerBatch, 1)
	w := newInfluxWriter(influxConfig(2), batches, fake)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := w.Start(ctx); err == nil {
		t.Fatal("expected error on second start")
	}
	batches <- models.MarkerBatch{Body: "Subject1", Rows: testRows("Subject1", 5), RecordCount: 5}

	deadline := time.Now().Add(2 * time.Second)
	for w.Written() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d points written", w.Written())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	w.Stop()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.calls) != 3 || fake.calls[0] != 2 || fake.calls[2] != 1 {
		t.Fatalf("unexpected chunks %v", fake.calls)
	}
	if !fake.closed {
		t.Fatal("client not closed on stop")
	}
}

func TestInfluxWriterReportsFailures(t *testing.T) {
	fake := &fakePoints{fail: true}
	w := newInfluxWriter(influxConfig(0), nil, fake)
	w.ctx = context.Background()

	err := w.writeBatch(models.MarkerBatch{Body: "Subject1", Rows: testRows("Subject1", 3)})
	if err == nil {
		t.Fatal("expected a write error")
	}
	if w.Written() != 0 {
		t.Fatalf("failed writes counted: %d", w.Written())
	}
}

func TestInfluxPointsNameUnidentifiedMarkers(t *testing.T) {
	w := newInfluxWriter(influxConfig(10), nil, &fakePoints{})
	rows := []models.MarkerRow{
		{Body: "Subject1", Marker: "M1", Timestamp: time.Now()},
		{Body: models.UnidentifiedBody, Index: 3, Timestamp: time.Now()},
	}
	if got := len(w.points(rows)); got != 2 {
		t.Fatalf("expected 2 points, got %d", got)
	}
}
