package models

import (
	"errors"
	"testing"
)

type shape struct {
	bodies, markers, segments, dofs int
	unidentified                    int
	channels, samples               int
	plates, forceSamples            int
	encoders, encoderSamples        int
}

func buildFrame(n int32, s shape) *FrameOfData {
	f := &FrameOfData{Frame: n, Delay: 0.004}
	for b := 0; b < s.bodies; b++ {
		body := BodyData{Name: "Subject" + string(rune('1'+b)), Iterations: 3, ZoomEncoderValue: 7}
		for m := 0; m < s.markers; m++ {
			body.Markers = append(body.Markers, Marker{float32(n) + float32(m), float32(b), 1})
		}
		for g := 0; g < s.segments; g++ {
			body.Segments = append(body.Segments, Segment{1, 2, 3, 4, 5, 6, float64(g)})
		}
		for d := 0; d < s.dofs; d++ {
			body.Dofs = append(body.Dofs, float64(d)*1.5)
		}
		f.Bodies = append(f.Bodies, body)
	}
	for u := 0; u < s.unidentified; u++ {
		f.UnidentifiedMarkers = append(f.UnidentifiedMarkers, Marker{float32(u) + 0.5, 0, 0})
	}
	a := &f.Analog
	a.NumAnalogChannels, a.NumAnalogSamples = int32(s.channels), int32(s.samples)
	for i := 0; i < s.channels*s.samples; i++ {
		a.AnalogSamples = append(a.AnalogSamples, int16(i))
	}
	a.NumForcePlates, a.NumForceSamples = int32(s.plates), int32(s.forceSamples)
	for i := 0; i < s.plates*s.forceSamples; i++ {
		a.Forces = append(a.Forces, ForceSample{0, 0, 0, float32(i), 0, 9.8, 0})
	}
	a.NumAngleEncoders, a.NumAngleEncoderSamples = int32(s.encoders), int32(s.encoderSamples)
	for i := 0; i < s.encoders*s.encoderSamples; i++ {
		a.AngleEncoderSamples = append(a.AngleEncoderSamples, float64(i)/10)
	}
	f.RecordingStatus = RecordingStatus{Recording: true, FirstFrame: 1, LastFrame: n, Filename: "take01.cap"}
	return f
}

func assertExactCapacity(t *testing.T, f *FrameOfData) {
	t.Helper()
	if cap(f.Bodies) != len(f.Bodies) || cap(f.UnidentifiedMarkers) != len(f.UnidentifiedMarkers) {
		t.Fatalf("frame arrays carry trailing capacity")
	}
	for i := range f.Bodies {
		b := &f.Bodies[i]
		if cap(b.Markers) != len(b.Markers) || cap(b.Segments) != len(b.Segments) || cap(b.Dofs) != len(b.Dofs) {
			t.Fatalf("body %d arrays carry trailing capacity", i)
		}
	}
	a := &f.Analog
	if cap(a.AnalogSamples) != len(a.AnalogSamples) || cap(a.Forces) != len(a.Forces) || cap(a.AngleEncoderSamples) != len(a.AngleEncoderSamples) {
		t.Fatalf("analog arrays carry trailing capacity")
	}
}

func TestCopyFrameIsIndependent(t *testing.T) {
	src := buildFrame(2, shape{bodies: 2, markers: 4, segments: 3, dofs: 2, unidentified: 2, channels: 2, samples: 3, plates: 1, forceSamples: 3, encoders: 1, encoderSamples: 2})
	var dst FrameOfData
	if err := CopyFrame(&dst, src, DefaultMaxBodies); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if !dst.Equal(src) {
		t.Fatalf("copy differs from source")
	}
	assertExactCapacity(t, &dst)

	src.Bodies[0].Markers[0][0] = -1
	src.UnidentifiedMarkers[0][0] = -1
	src.Analog.AnalogSamples[0] = -1
	src.Bodies = src.Bodies[:1]
	if dst.Bodies[0].Markers[0][0] == -1 || dst.UnidentifiedMarkers[0][0] == -1 || dst.Analog.AnalogSamples[0] == -1 {
		t.Fatalf("copy aliases source memory")
	}
	if dst.NumBodies() != 2 {
		t.Fatalf("expected 2 bodies after source mutation, got %d", dst.NumBodies())
	}
}

func TestFreeFrameIdempotent(t *testing.T) {
	src := buildFrame(1, shape{bodies: 1, markers: 2, unidentified: 1})
	var dst FrameOfData
	if err := CopyFrame(&dst, src, 0); err != nil {
		t.Fatalf("copy: %v", err)
	}
	FreeFrame(&dst)
	FreeFrame(&dst)
	if !dst.Empty() || dst.NumBodies() != 0 || dst.NumUnidentifiedMarkers() != 0 || dst.Frame != 0 {
		t.Fatalf("frame not reset: %+v", dst)
	}
	FreeFrame(nil)
}

func TestCopyFrameResizes(t *testing.T) {
	shapes := []shape{
		{bodies: 1, markers: 2, segments: 1, dofs: 1, unidentified: 1},
		{bodies: 3, markers: 8, segments: 4, dofs: 6, unidentified: 5, channels: 4, samples: 2},
		{bodies: 5, markers: 12, segments: 9, dofs: 9, unidentified: 9, channels: 8, samples: 4, plates: 2, forceSamples: 4},
		{bodies: 2, markers: 3, segments: 2, dofs: 0, unidentified: 0, channels: 1, samples: 1},
		{},
	}
	var dst FrameOfData
	for i, s := range shapes {
		src := buildFrame(int32(i), s)
		if err := CopyFrame(&dst, src, DefaultMaxBodies); err != nil {
			t.Fatalf("shape %d: copy: %v", i, err)
		}
		if !dst.Equal(src) {
			t.Fatalf("shape %d: copy differs from source", i)
		}
		assertExactCapacity(t, &dst)
	}
	if !dst.Empty() {
		t.Fatalf("copying an empty frame must leave no arrays allocated")
	}
}

func TestCopyFrameReusesAllocations(t *testing.T) {
	big := buildFrame(1, shape{bodies: 3, markers: 10, segments: 5, dofs: 5, unidentified: 4, channels: 2, samples: 2})
	small := buildFrame(2, shape{bodies: 2, markers: 4, segments: 2, dofs: 1, unidentified: 1, channels: 1, samples: 2})

	var dst FrameOfData
	if err := CopyFrame(&dst, big, 0); err != nil {
		t.Fatalf("copy: %v", err)
	}
	allocs := testing.AllocsPerRun(50, func() {
		_ = CopyFrame(&dst, big, 0)
	})
	if allocs != 0 {
		t.Fatalf("same-shape copy allocated %.0f times", allocs)
	}

	if err := CopyFrame(&dst, small, 0); err != nil {
		t.Fatalf("copy: %v", err)
	}
	allocs = testing.AllocsPerRun(50, func() {
		_ = CopyFrame(&dst, small, 0)
	})
	if allocs != 0 {
		t.Fatalf("shrunk copy allocated %.0f times", allocs)
	}
	if !dst.Equal(small) {
		t.Fatalf("copy differs from small source")
	}
}

func TestCopyFrameRejectsOversizedFrame(t *testing.T) {
	src := buildFrame(1, shape{bodies: 3})
	var dst FrameOfData
	if err := CopyFrame(&dst, src, 2); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	bad := buildFrame(1, shape{channels: 2, samples: 2})
	bad.Analog.AnalogSamples = bad.Analog.AnalogSamples[:3]
	if err := CopyFrame(&dst, bad, 0); err == nil {
		t.Fatalf("expected shape error")
	}
}
