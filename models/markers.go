package models

import "time"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// RECORDER //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// UnidentifiedBody is the body name given to rows built from unidentified
// markers.
const UnidentifiedBody = "unidentified"

// CapturedFrame is an owned frame copied out of the hot buffer by the
// recorder, stamped when it was copied.
type CapturedFrame struct {
	Frame      *FrameOfData
	ReceivedAt time.Time
}

// MarkerRow represents a single marker position of a single frame
type MarkerRow struct {
	Frame     int32     `json:"frame"`
	Timestamp time.Time `json:"timestamp"`
	Body      string    `json:"body"`
	Marker    string    `json:"marker"`
	Index     int       `json:"index"`
	X         float32   `json:"x"`
	Y         float32   `json:"y"`
	Z         float32   `json:"z"`
	Residual  float32   `json:"residual"`
	Recording bool      `json:"recording"`
	TakeFile  string    `json:"take_file,omitempty"`
}

// MarkerBatch represents a batch of flattened marker rows of one body
type MarkerBatch struct {
	BatchID     string      `json:"batch_id"`
	Body        string      `json:"body"`
	Rows        []MarkerRow `json:"rows"`
	RecordCount int         `json:"record_count"`
	FirstFrame  int32       `json:"first_frame"`
	LastFrame   int32       `json:"last_frame"`
	Timestamp   time.Time   `json:"timestamp"`
	ProcessedAt time.Time   `json:"processed_at"`
}
