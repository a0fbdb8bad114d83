package processor

import (
	"context"
	"testing"
	"time"

	appconfig "cortexflow/config"
	"cortexflow/internal/channel"
	"cortexflow/models"
)

func minimalConfig() *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Processor.BatchSize = 4
	cfg.Processor.BatchTimeout = time.Hour
	return &cfg
}

func testDefs() *models.BodyDefs {
	return &models.BodyDefs{BodyDefs: []models.BodyDef{{
		Name:        "Subject1",
		MarkerNames: []string{"LASI", "RASI"},
	}}}
}

func testFrame(n int32) *models.FrameOfData {
	return &models.FrameOfData{
		Frame: n,
		Bodies: []models.BodyData{{
			Name:              "Subject1",
			Markers:           []models.Marker{{1, 2, 3}, {models.XEmpty, 0, 0}},
			AvgMarkerResidual: 0.5,
		}},
		UnidentifiedMarkers: []models.Marker{{7, 8, 9}},
		RecordingStatus:     models.RecordingStatus{Recording: true, Filename: "take_001.cap"},
	}
}

func TestFlattenFrame(t *testing.T) {
	at := time.Unix(100, 0)
	rows := FlattenFrame(testFrame(5), at, testDefs())
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %+v", len(rows), rows)
	}

	body := rows[0]
	if body.Body != "Subject1" || body.Marker != "LASI" || body.Index != 0 {
		t.Fatalf("unexpected body row %+v", body)
	}
	if body.X != 1 || body.Y != 2 || body.Z != 3 || body.Residual != 0.5 {
		t.Fatalf("unexpected coordinates %+v", body)
	}
	if body.Frame != 5 || !body.Timestamp.Equal(at) || body.TakeFile != "take_001.cap" {
		t.Fatalf("unexpected frame fields %+v", body)
	}

	un := rows[1]
	if un.Body != models.UnidentifiedBody || un.Marker != "" || un.X != 7 {
		t.Fatalf("unexpected unidentified row %+v", un)
	}
}

func TestFlattenFrameWithoutDefs(t *testing.T) {
	rows := FlattenFrame(testFrame(1), time.Now(), nil)
	if rows[0].Marker != "marker_0" {
		t.Fatalf("expected a positional name, got %q", rows[0].Marker)
	}
}

func TestFlattenerStartStop(t *testing.T) {
	ch := channel.NewChannels(1, 1, false)
	p := NewMarkerFlattener(minimalConfig(), ch)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(ctx); err == nil {
		t.Fatalf("expected error on second start")
	}
	cancel()
	p.Stop()
	p.Stop()
}

func TestFlattenerBatchesPerBody(t *testing.T) {
	cfg := minimalConfig()
	cfg.Processor.BatchSize = 2
	ch := channel.NewChannels(4, 4, true)
	p := NewMarkerFlattener(cfg, ch)
	p.SetBodyDefs(testDefs())

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := int32(1); i <= 2; i++ {
		f := ch.GetFrame()
		if err := models.CopyFrame(f, testFrame(i), models.DefaultMaxBodies); err != nil {
			t.Fatalf("copy: %v", err)
		}
		if !ch.SendFrame(ctx, models.CapturedFrame{Frame: f, ReceivedAt: time.Now()}) {
			t.Fatal("send frame")
		}
	}

	seen := map[string]models.MarkerBatch{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case b := <-ch.Batches:
			seen[b.Body] = b
		case <-timeout:
			t.Fatalf("only got batches %v", seen)
		}
	}
	for _, body := range []string{"Subject1", models.UnidentifiedBody} {
		b := seen[body]
		if b.RecordCount != 2 || b.FirstFrame != 1 || b.LastFrame != 2 || b.BatchID == "" {
			t.Fatalf("unexpected %s batch %+v", body, b)
		}
	}
	if b := <-ch.Live; b.RecordCount != 2 {
		t.Fatalf("unexpected live batch %+v", b)
	}

	cancel()
	p.Stop()
	if s := p.Stats(); s.Frames != 2 || s.Rows != 4 || s.Batches != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestFlattenerStopFlushesPartialBatches(t *testing.T) {
	ch := channel.NewChannels(4, 4, false)
	p := NewMarkerFlattener(minimalConfig(), ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch.SendFrame(ctx, models.CapturedFrame{Frame: testFrame(9), ReceivedAt: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Frames < 1 {
		if time.Now().After(deadline) {
			t.Fatal("frame not consumed")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	p.Stop()

	if got := len(ch.Batches); got != 2 {
		t.Fatalf("expected 2 partial batches after stop, got %d", got)
	}
}

func TestFlattenerDropsWhenBatchChannelFull(t *testing.T) {
	cfg := minimalConfig()
	cfg.Processor.BatchSize = 1
	ch := channel.NewChannels(4, 0, false)
	p := NewMarkerFlattener(cfg, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	ch.SendFrame(ctx, models.CapturedFrame{Frame: testFrame(1), ReceivedAt: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().BatchesDropped < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected drops, stats %+v", p.Stats())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	p.Stop()
}
