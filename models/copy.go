package models

// CopyFrame makes dst an independently owned deep copy of src. Every nested
// array of dst ends up with length and capacity equal to the matching count
// of src; backing arrays that are large enough are reused, smaller ones are
// replaced. dst may be a zero FrameOfData or the result of an earlier copy.
func CopyFrame(dst, src *FrameOfData, maxBodies int) error {
	if err := src.Validate(maxBodies); err != nil {
		return err
	}

	dst.Frame = src.Frame
	dst.Delay = src.Delay
	dst.RecordingStatus = src.RecordingStatus

	dst.Bodies = resize(dst.Bodies, len(src.Bodies))
	for i := range src.Bodies {
		copyBody(&dst.Bodies[i], &src.Bodies[i])
	}

	dst.UnidentifiedMarkers = resize(dst.UnidentifiedMarkers, len(src.UnidentifiedMarkers))
	copy(dst.UnidentifiedMarkers, src.UnidentifiedMarkers)

	copyAnalog(&dst.Analog, &src.Analog)
	return nil
}

// FreeFrame releases every nested array of f and resets it to the zero
// frame. Freeing an empty frame is a no-op.
func FreeFrame(f *FrameOfData) {
	if f == nil {
		return
	}
	*f = FrameOfData{}
}

func copyBody(dst, src *BodyData) {
	dst.Name = src.Name
	dst.AvgMarkerResidual = src.AvgMarkerResidual
	dst.AvgDofResidual = src.AvgDofResidual
	dst.Iterations = src.Iterations
	dst.ZoomEncoderValue = src.ZoomEncoderValue
	dst.FocusEncoderValue = src.FocusEncoderValue

	dst.Markers = resize(dst.Markers, len(src.Markers))
	copy(dst.Markers, src.Markers)
	dst.Segments = resize(dst.Segments, len(src.Segments))
	copy(dst.Segments, src.Segments)
	dst.Dofs = resize(dst.Dofs, len(src.Dofs))
	copy(dst.Dofs, src.Dofs)
}

func copyAnalog(dst, src *AnalogData) {
	dst.NumAnalogChannels = src.NumAnalogChannels
	dst.NumAnalogSamples = src.NumAnalogSamples
	dst.AnalogSamples = resize(dst.AnalogSamples, len(src.AnalogSamples))
	copy(dst.AnalogSamples, src.AnalogSamples)

	dst.NumForcePlates = src.NumForcePlates
	dst.NumForceSamples = src.NumForceSamples
	dst.Forces = resize(dst.Forces, len(src.Forces))
	copy(dst.Forces, src.Forces)

	dst.NumAngleEncoders = src.NumAngleEncoders
	dst.NumAngleEncoderSamples = src.NumAngleEncoderSamples
	dst.AngleEncoderSamples = resize(dst.AngleEncoderSamples, len(src.AngleEncoderSamples))
	copy(dst.AngleEncoderSamples, src.AngleEncoderSamples)
}

// resize returns a slice of exactly n elements. A zero count drops the
// backing array.
func resize[T any](s []T, n int) []T {
	switch {
	case n == 0:
		return nil
	case cap(s) >= n:
		return s[:n:n]
	default:
		return make([]T, n)
	}
}
