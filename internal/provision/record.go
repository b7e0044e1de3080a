package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/incant-go/incant/internal/backend"
)

// RecordPath is where the provisioning record lives inside an instance.
const RecordPath = "/var/lib/incant/provisioned.json"

const recordVersion = 1

// Entry is one applied step.
type Entry struct {
	Seq       int64     `json:"seq"`
	OK        bool      `json:"ok"`
	Kind      string    `json:"kind"`
	AppliedAt time.Time `json:"applied_at"`
}

// Record is the per-instance ledger of applied step fingerprints.
type Record struct {
	Version int                   `json:"version"`
	Seq     int64                 `json:"seq"`
	Steps   map[Fingerprint]Entry `json:"steps"`
}

func NewRecord() *Record {
	return &Record{Version: recordVersion, Steps: map[Fingerprint]Entry{}}
}

// RecordStore loads and saves the record of a single instance.
type RecordStore interface {
	Load(ctx context.Context) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

// BackendRecordStore keeps the record as a file inside the instance, so it
// travels with the instance and disappears when the instance is deleted.
type BackendRecordStore struct {
	Backend backend.Backend
	Handle  backend.Handle
	Path    string
}

func NewBackendRecordStore(b backend.Backend, h backend.Handle) *BackendRecordStore {
	return &BackendRecordStore{Backend: b, Handle: h, Path: RecordPath}
}

func (s *BackendRecordStore) Load(ctx context.Context) (*Record, error) {
	res, err := s.Backend.Exec(ctx, s.Handle, backend.ExecRequest{Command: []string{"cat", s.Path}})
	if err != nil {
		return nil, fmt.Errorf("read provisioning record: %w", err)
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr, "No such file") {
			return NewRecord(), nil
		}
		return nil, fmt.Errorf("read provisioning record: exit status %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return decodeRecord([]byte(res.Stdout))
}

func (s *BackendRecordStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode provisioning record: %w", err)
	}
	err = s.Backend.PushFile(ctx, s.Handle, backend.PushRequest{
		Content:    bytes.NewReader(data),
		RemotePath: s.Path,
		Mode:       0o600,
	})
	if err != nil {
		return fmt.Errorf("write provisioning record: %w", err)
	}
	return nil
}

func decodeRecord(data []byte) (*Record, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return NewRecord(), nil
	}
	rec := NewRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("decode provisioning record: %w", err)
	}
	if rec.Version > recordVersion {
		return nil, fmt.Errorf("provisioning record version %d is newer than supported %d", rec.Version, recordVersion)
	}
	if rec.Steps == nil {
		rec.Steps = map[Fingerprint]Entry{}
	}
	return rec, nil
}

// MemoryRecordStore keeps the record in process; useful for tests and dry runs.
type MemoryRecordStore struct {
	mu   sync.Mutex
	data []byte
}

func (s *MemoryRecordStore) Load(context.Context) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeRecord(s.data)
}

func (s *MemoryRecordStore) Save(_ context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}
