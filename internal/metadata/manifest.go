package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes a single parquet file written during a session.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Body        string            `json:"body"`
	FirstFrame  int32             `json:"first_frame"`
	LastFrame   int32             `json:"last_frame"`
	Partition   map[string]string `json:"partition,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Snapshot is one state of the manifest, appended per written file.
type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest"`
}

// SessionMetadata is the top level manifest of one recording session.
type SessionMetadata struct {
	FormatVersion     int        `json:"format-version"`
	SessionUUID       string     `json:"session-uuid"`
	Session           string     `json:"session"`
	Location          string     `json:"location"`
	StartedAt         time.Time  `json:"started-at"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
	Bodies            []string   `json:"bodies"`
	TotalRecords      int64      `json:"total-records"`
}

// Manifest incrementally records the files of a recording session under
// <basePath>/metadata. It is safe for concurrent use.
type Manifest struct {
	mu        sync.Mutex
	basePath  string
	session   string
	uuid      string
	startedAt time.Time
	snapshots []Snapshot
	bodies    map[string]struct{}
	records   int64
}

// NewManifest returns a manifest rooted at basePath for session.
func NewManifest(basePath, session string) *Manifest {
	return &Manifest{
		basePath:  basePath,
		session:   session,
		uuid:      uuid.NewString(),
		startedAt: time.Now().UTC(),
		bodies:    make(map[string]struct{}),
	}
}

// SessionUUID identifies this manifest's session.
func (m *Manifest) SessionUUID() string { return m.uuid }

// MetadataPath is the location of the session metadata file.
func (m *Manifest) MetadataPath() string {
	return filepath.Join(m.basePath, "metadata", "session.json")
}

// AddFile writes an entry file for df and rewrites the session metadata.
func (m *Manifest) AddFile(df DataFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if df.Timestamp.IsZero() {
		df.Timestamp = time.Now()
	}
	snapID := df.Timestamp.UnixNano()
	if n := len(m.snapshots); n > 0 && snapID <= m.snapshots[n-1].SnapshotID {
		snapID = m.snapshots[n-1].SnapshotID + 1
	}
	entryFile := fmt.Sprintf("file-%d.json", snapID)
	entryPath := filepath.Join(m.basePath, "metadata", entryFile)
	if err := os.MkdirAll(filepath.Dir(entryPath), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(df)
	if err != nil {
		return err
	}
	if err := os.WriteFile(entryPath, b, 0o644); err != nil {
		return err
	}

	m.snapshots = append(m.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    entryFile,
	})
	m.bodies[df.Body] = struct{}{}
	m.records += df.RecordCount
	return m.writeSessionMetadata()
}

// Load reads back the session metadata file.
func (m *Manifest) Load() (SessionMetadata, error) {
	var sm SessionMetadata
	b, err := os.ReadFile(m.MetadataPath())
	if err != nil {
		return sm, err
	}
	err = json.Unmarshal(b, &sm)
	return sm, err
}

func (m *Manifest) writeSessionMetadata() error {
	bodies := make([]string, 0, len(m.bodies))
	for b := range m.bodies {
		bodies = append(bodies, b)
	}
	slices.Sort(bodies)
	sm := SessionMetadata{
		FormatVersion:     1,
		SessionUUID:       m.uuid,
		Session:           m.session,
		Location:          m.basePath,
		StartedAt:         m.startedAt,
		CurrentSnapshotID: m.snapshots[len(m.snapshots)-1].SnapshotID,
		Snapshots:         m.snapshots,
		Bodies:            bodies,
		TotalRecords:      m.records,
	}
	b, err := json.MarshalIndent(sm, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.MetadataPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.MetadataPath())
}
