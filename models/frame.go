package models

import (
	"errors"
	"fmt"
	"slices"
)

// ErrCapacity is returned when a frame or body definition set does not fit
// the configured bounds.
var ErrCapacity = errors.New("capacity exceeded")

// BodyData is the live per-frame data of one tracked object. Name matches a
// BodyDef by name.
type BodyData struct {
	Name              string
	Markers           []Marker
	AvgMarkerResidual float32
	Segments          []Segment
	Dofs              []DofValue
	AvgDofResidual    float32
	Iterations        int32
	ZoomEncoderValue  int32
	FocusEncoderValue int32
}

func (b *BodyData) NumMarkers() int  { return len(b.Markers) }
func (b *BodyData) NumSegments() int { return len(b.Segments) }
func (b *BodyData) NumDofs() int     { return len(b.Dofs) }

// Marker returns marker i.
func (b *BodyData) Marker(i int) (Marker, error) {
	if i < 0 || i >= len(b.Markers) {
		return Marker{}, indexError("marker", i, len(b.Markers))
	}
	return b.Markers[i], nil
}

// Segment returns segment i.
func (b *BodyData) Segment(i int) (Segment, error) {
	if i < 0 || i >= len(b.Segments) {
		return Segment{}, indexError("segment", i, len(b.Segments))
	}
	return b.Segments[i], nil
}

// Dof returns degree of freedom i.
func (b *BodyData) Dof(i int) (DofValue, error) {
	if i < 0 || i >= len(b.Dofs) {
		return 0, indexError("dof", i, len(b.Dofs))
	}
	return b.Dofs[i], nil
}

// Matches reports whether the structural counts agree with def.
func (b *BodyData) Matches(def *BodyDef) bool {
	return b.Name == def.Name &&
		len(b.Markers) == len(def.MarkerNames) &&
		len(b.Segments) == len(def.Hierarchy.SegmentNames) &&
		len(b.Dofs) == len(def.DofNames)
}

// AnalogData carries one frame's worth of analog, force and encoder samples.
// Samples are stored sample-major: element [sample*N + channel].
type AnalogData struct {
	NumAnalogChannels int32
	NumAnalogSamples  int32
	AnalogSamples     []int16

	NumForcePlates  int32
	NumForceSamples int32
	Forces          []ForceSample

	NumAngleEncoders       int32
	NumAngleEncoderSamples int32
	AngleEncoderSamples    []float64
}

// Validate checks that every sample array matches its two counts.
func (a *AnalogData) Validate() error {
	if err := checkGrid("analog samples", a.NumAnalogChannels, a.NumAnalogSamples, len(a.AnalogSamples)); err != nil {
		return err
	}
	if err := checkGrid("force samples", a.NumForcePlates, a.NumForceSamples, len(a.Forces)); err != nil {
		return err
	}
	return checkGrid("angle encoder samples", a.NumAngleEncoders, a.NumAngleEncoderSamples, len(a.AngleEncoderSamples))
}

func checkGrid(what string, n, samples int32, got int) error {
	if n < 0 || samples < 0 {
		return fmt.Errorf("%s: negative count %d x %d", what, n, samples)
	}
	if want := int(n) * int(samples); want != got {
		return fmt.Errorf("%s: have %d values, want %d x %d", what, got, n, samples)
	}
	return nil
}

// AnalogSample returns the raw value of channel at sample.
func (a *AnalogData) AnalogSample(channel, sample int) (int16, error) {
	i, err := gridIndex("analog channel", channel, sample, a.NumAnalogChannels, a.NumAnalogSamples)
	if err != nil {
		return 0, err
	}
	return a.AnalogSamples[i], nil
}

// Force returns the sample of forceplate plate.
func (a *AnalogData) Force(plate, sample int) (ForceSample, error) {
	i, err := gridIndex("forceplate", plate, sample, a.NumForcePlates, a.NumForceSamples)
	if err != nil {
		return ForceSample{}, err
	}
	return a.Forces[i], nil
}

// AngleEncoder returns the sample of encoder enc.
func (a *AnalogData) AngleEncoder(enc, sample int) (float64, error) {
	i, err := gridIndex("angle encoder", enc, sample, a.NumAngleEncoders, a.NumAngleEncoderSamples)
	if err != nil {
		return 0, err
	}
	return a.AngleEncoderSamples[i], nil
}

func gridIndex(what string, n, sample int, count, samples int32) (int, error) {
	if n < 0 || n >= int(count) {
		return 0, indexError(what, n, int(count))
	}
	if sample < 0 || sample >= int(samples) {
		return 0, indexError("sample", sample, int(samples))
	}
	return sample*int(count) + n, nil
}

// FrameOfData is everything the host streams for one frame. Frames handed
// out by the SDK are views into a buffer the next delivery overwrites; a
// FrameOfData filled by CopyFrame is owned by the caller.
type FrameOfData struct {
	Frame               int32
	Delay               float32 // seconds from camera to host send
	Bodies              []BodyData
	UnidentifiedMarkers []Marker
	Analog              AnalogData
	RecordingStatus     RecordingStatus
}

func (f *FrameOfData) NumBodies() int              { return len(f.Bodies) }
func (f *FrameOfData) NumUnidentifiedMarkers() int { return len(f.UnidentifiedMarkers) }

// Body returns body i.
func (f *FrameOfData) Body(i int) (*BodyData, error) {
	if i < 0 || i >= len(f.Bodies) {
		return nil, indexError("body", i, len(f.Bodies))
	}
	return &f.Bodies[i], nil
}

// BodyByName returns the body whose name matches.
func (f *FrameOfData) BodyByName(name string) (*BodyData, bool) {
	for i := range f.Bodies {
		if f.Bodies[i].Name == name {
			return &f.Bodies[i], true
		}
	}
	return nil, false
}

// UnidentifiedMarker returns unidentified marker i.
func (f *FrameOfData) UnidentifiedMarker(i int) (Marker, error) {
	if i < 0 || i >= len(f.UnidentifiedMarkers) {
		return Marker{}, indexError("unidentified marker", i, len(f.UnidentifiedMarkers))
	}
	return f.UnidentifiedMarkers[i], nil
}

// Empty reports whether the frame holds no allocated data.
func (f *FrameOfData) Empty() bool {
	return f.Bodies == nil && f.UnidentifiedMarkers == nil &&
		f.Analog.AnalogSamples == nil && f.Analog.Forces == nil && f.Analog.AngleEncoderSamples == nil
}

// Validate checks the body bound and the analog shapes.
func (f *FrameOfData) Validate(maxBodies int) error {
	if maxBodies > 0 && len(f.Bodies) > maxBodies {
		return fmt.Errorf("%d bodies, capacity %d: %w", len(f.Bodies), maxBodies, ErrCapacity)
	}
	return f.Analog.Validate()
}

// Equal compares every count and every element.
func (f *FrameOfData) Equal(o *FrameOfData) bool {
	if f.Frame != o.Frame || f.Delay != o.Delay || f.RecordingStatus != o.RecordingStatus {
		return false
	}
	if len(f.Bodies) != len(o.Bodies) {
		return false
	}
	for i := range f.Bodies {
		if !f.Bodies[i].equal(&o.Bodies[i]) {
			return false
		}
	}
	a, b := &f.Analog, &o.Analog
	return slices.Equal(f.UnidentifiedMarkers, o.UnidentifiedMarkers) &&
		a.NumAnalogChannels == b.NumAnalogChannels && a.NumAnalogSamples == b.NumAnalogSamples &&
		a.NumForcePlates == b.NumForcePlates && a.NumForceSamples == b.NumForceSamples &&
		a.NumAngleEncoders == b.NumAngleEncoders && a.NumAngleEncoderSamples == b.NumAngleEncoderSamples &&
		slices.Equal(a.AnalogSamples, b.AnalogSamples) &&
		slices.Equal(a.Forces, b.Forces) &&
		slices.Equal(a.AngleEncoderSamples, b.AngleEncoderSamples)
}

func (b *BodyData) equal(o *BodyData) bool {
	return b.Name == o.Name &&
		b.AvgMarkerResidual == o.AvgMarkerResidual &&
		b.AvgDofResidual == o.AvgDofResidual &&
		b.Iterations == o.Iterations &&
		b.ZoomEncoderValue == o.ZoomEncoderValue &&
		b.FocusEncoderValue == o.FocusEncoderValue &&
		slices.Equal(b.Markers, o.Markers) &&
		slices.Equal(b.Segments, o.Segments) &&
		slices.Equal(b.Dofs, o.Dofs)
}
