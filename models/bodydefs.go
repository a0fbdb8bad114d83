package models

import "fmt"

// RootParent marks a segment without a parent.
const RootParent int32 = -1

// Hierarchy is the skeleton description: SegmentNames[i] has parent
// Parents[i], or RootParent.
type Hierarchy struct {
	SegmentNames []string
	Parents      []int32
}

// NumSegments returns the segment count.
func (h *Hierarchy) NumSegments() int { return len(h.SegmentNames) }

// Validate checks that names and parents pair up and that every parent
// index points at an existing segment.
func (h *Hierarchy) Validate() error {
	if len(h.SegmentNames) != len(h.Parents) {
		return fmt.Errorf("hierarchy has %d segment names but %d parents", len(h.SegmentNames), len(h.Parents))
	}
	for i, p := range h.Parents {
		if p != RootParent && (p < 0 || int(p) >= len(h.Parents)) {
			return fmt.Errorf("segment %d (%s) has invalid parent %d", i, h.SegmentNames[i], p)
		}
	}
	return nil
}

// Roots returns the indices of root segments.
func (h *Hierarchy) Roots() []int {
	var roots []int
	for i, p := range h.Parents {
		if p == RootParent {
			roots = append(roots, i)
		}
	}
	return roots
}

// BodyDef is the schema of one tracked object.
type BodyDef struct {
	Name        string
	MarkerNames []string
	Hierarchy   Hierarchy
	DofNames    []string
}

func (d *BodyDef) NumMarkers() int { return len(d.MarkerNames) }
func (d *BodyDef) NumDofs() int    { return len(d.DofNames) }

// MarkerName returns the name of marker i.
func (d *BodyDef) MarkerName(i int) (string, error) {
	if i < 0 || i >= len(d.MarkerNames) {
		return "", indexError("marker", i, len(d.MarkerNames))
	}
	return d.MarkerNames[i], nil
}

// BodyDefs is everything the host will stream: body schemas, analog
// channels and the forceplate count.
type BodyDefs struct {
	BodyDefs           []BodyDef
	AnalogChannelNames []string
	NumForcePlates     int32
}

func (s *BodyDefs) NumBodyDefs() int       { return len(s.BodyDefs) }
func (s *BodyDefs) NumAnalogChannels() int { return len(s.AnalogChannelNames) }

// Body returns body definition i.
func (s *BodyDefs) Body(i int) (*BodyDef, error) {
	if i < 0 || i >= len(s.BodyDefs) {
		return nil, indexError("body definition", i, len(s.BodyDefs))
	}
	return &s.BodyDefs[i], nil
}

// Lookup finds a body definition by name. Frame data is matched to the
// schema by name, never by index.
func (s *BodyDefs) Lookup(name string) (*BodyDef, bool) {
	for i := range s.BodyDefs {
		if s.BodyDefs[i].Name == name {
			return &s.BodyDefs[i], true
		}
	}
	return nil, false
}

// Validate checks the capacity bound and every hierarchy.
func (s *BodyDefs) Validate(maxBodies int) error {
	if maxBodies > 0 && len(s.BodyDefs) > maxBodies {
		return fmt.Errorf("%d body definitions, capacity %d: %w", len(s.BodyDefs), maxBodies, ErrCapacity)
	}
	for i := range s.BodyDefs {
		if err := s.BodyDefs[i].Hierarchy.Validate(); err != nil {
			return fmt.Errorf("body %q: %w", s.BodyDefs[i].Name, err)
		}
	}
	return nil
}

// Clone returns an independently owned deep copy.
func (s *BodyDefs) Clone() *BodyDefs {
	if s == nil {
		return nil
	}
	out := &BodyDefs{
		BodyDefs:           make([]BodyDef, len(s.BodyDefs)),
		AnalogChannelNames: cloneStrings(s.AnalogChannelNames),
		NumForcePlates:     s.NumForcePlates,
	}
	for i, d := range s.BodyDefs {
		out.BodyDefs[i] = BodyDef{
			Name:        d.Name,
			MarkerNames: cloneStrings(d.MarkerNames),
			Hierarchy: Hierarchy{
				SegmentNames: cloneStrings(d.Hierarchy.SegmentNames),
				Parents:      append([]int32(nil), d.Hierarchy.Parents...),
			},
			DofNames: cloneStrings(d.DofNames),
		}
	}
	return out
}

// Free drops every nested array and resets the set to empty.
func (s *BodyDefs) Free() {
	*s = BodyDefs{}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
