package engine

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/franksops/sfast/store"
)

type MockStore struct {
	mu      sync.Mutex
	Runs    map[string]*store.RunRecord
	Records map[string]*store.TransferRecord
	Saves   int
	Fail    error
}

func newMockStore() *MockStore {
	return &MockStore{
		Runs:    make(map[string]*store.RunRecord),
		Records: make(map[string]*store.TransferRecord),
	}
}

func (m *MockStore) SaveRun(run *store.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Runs[run.ID] = run
	return nil
}

func (m *MockStore) SaveRecord(rec *store.TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.Saves++
	m.Records[rec.ID] = rec
	return nil
}

func (m *MockStore) GetRecord(id string) (*store.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Records[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return rec, nil
}

func (m *MockStore) ListRun(runID string) ([]*store.TransferRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.TransferRecord
	for _, rec := range m.Records {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MockStore) LastRun() (*store.RunRecord, error) { return nil, store.ErrJobNotFound }

func (m *MockStore) Close() error { return nil }

func quietLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestJobTracker(t *testing.T) {
	mockStore := newMockStore()
	tracker := NewJobTracker(mockStore, DefaultCheckpointConfig, quietLogger())

	if tracker.RunID() == "" {
		t.Fatal("Expected a run id")
	}

	job := TransferJob{ID: "test-job", Mode: ModeSend, Args: []string{"src"}}
	tracker.StartRun(job)

	run, ok := mockStore.Runs[tracker.RunID()]
	if !ok {
		t.Fatalf("Run %s was not saved", tracker.RunID())
	}
	if run.Mode != "send" {
		t.Errorf("Expected mode send, got %s", run.Mode)
	}

	st := &TransferState{
		Pair:  PathPair{Source: "src/a", Destination: "dst/a"},
		State: StateTransferring,
		Total: 100,
	}
	tracker.Record(job, st)

	rec, err := mockStore.GetRecord(store.RecordID(tracker.RunID(), "dst/a"))
	if err != nil {
		t.Fatalf("Failed to get record: %v", err)
	}
	if rec.State != "transferring" {
		t.Errorf("Expected state transferring, got %s", rec.State)
	}

	st.State = StateFailed
	st.LastErr = errors.New("connection reset")
	tracker.Record(job, st)

	rec, _ = mockStore.GetRecord(store.RecordID(tracker.RunID(), "dst/a"))
	if rec.State != "failed" || rec.Error != "connection reset" {
		t.Errorf("Unexpected record %+v", rec)
	}
}

func TestJobTracker_Nil(t *testing.T) {
	var tracker *JobTracker
	tracker.StartRun(TransferJob{})
	tracker.Record(TransferJob{}, &TransferState{})
	if tracker.RunID() != "" {
		t.Error("Expected empty run id")
	}

	st := &TransferState{}
	tw := tracker.NewTrackedWriter(new(bytes.Buffer), TransferJob{}, st, NopSink{})
	if _, err := tw.Write([]byte("abc")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if tw.BytesWritten() != 3 {
		t.Errorf("Expected 3 bytes, got %d", tw.BytesWritten())
	}
}

func TestJobTracker_StoreFailureIsNotFatal(t *testing.T) {
	mockStore := newMockStore()
	mockStore.Fail = errors.New("disk full")
	tracker := NewJobTracker(mockStore, DefaultCheckpointConfig, quietLogger())

	tracker.StartRun(TransferJob{})
	tracker.Record(TransferJob{}, &TransferState{Pair: PathPair{Destination: "x"}})
}

func TestTrackedWriter_Checkpointing(t *testing.T) {
	mockStore := newMockStore()

	// Fast checkpointing config
	config := CheckpointConfig{
		BytesInterval: 10,
		TimeInterval:  time.Hour,
	}

	tracker := NewJobTracker(mockStore, config, quietLogger())
	job := TransferJob{ID: "job2"}
	st := &TransferState{Pair: PathPair{Destination: "dst"}, State: StateTransferring, Total: 100}

	var deltas int64
	sink := SinkFunc(func(ev ProgressEvent) {
		if ev.Kind == ProgressChunk {
			deltas += ev.Delta
		}
	})

	buf := new(bytes.Buffer)
	tw := tracker.NewTrackedWriter(buf, job, st, sink)

	// Write 5 bytes, shouldn't trigger checkpoint (interval=10)
	n, err := tw.Write([]byte("12345"))
	if err != nil || n != 5 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}

	if _, err := mockStore.GetRecord(store.RecordID(tracker.RunID(), "dst")); err == nil {
		t.Error("Expected no checkpoint yet")
	}

	// Write 6 more bytes (total 11) - should trigger checkpoint based on bytes
	n, err = tw.Write([]byte("678901"))
	if err != nil || n != 6 {
		t.Fatalf("Write failed: n=%d err=%v", n, err)
	}

	rec, err := mockStore.GetRecord(store.RecordID(tracker.RunID(), "dst"))
	if err != nil {
		t.Fatalf("Expected checkpoint: %v", err)
	}
	if rec.Offset != 11 {
		t.Errorf("Expected 11 bytes checkpointed, got %d", rec.Offset)
	}
	if st.Sent != 11 || deltas != 11 {
		t.Errorf("Expected 11 bytes sent and reported, got %d and %d", st.Sent, deltas)
	}
}

func TestTrackedWriter_ResumeOffset(t *testing.T) {
	st := &TransferState{Offset: 40}
	tw := (*JobTracker)(nil).NewTrackedWriter(new(bytes.Buffer), TransferJob{}, st, NopSink{})

	if _, err := tw.Write(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if tw.BytesWritten() != 50 {
		t.Errorf("Expected offset 50, got %d", tw.BytesWritten())
	}
	if st.Sent != 10 {
		t.Errorf("Expected 10 bytes sent, got %d", st.Sent)
	}
}
