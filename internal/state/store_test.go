package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kalambet/xlcopilot/internal/gateway"
	"github.com/kalambet/xlcopilot/internal/storage"
)

type recordingPersister struct {
	mu    sync.Mutex
	saved []Snapshot
	err   error
}

func (p *recordingPersister) SaveSnapshot(s Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, s)
	return p.err
}

func (p *recordingPersister) last() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saved[len(p.saved)-1]
}

func opNamed(i int) Operation {
	return NewOperation(KindAnalyze, StatusSuccess, map[string]any{"n": i}, "")
}

func TestLedger_CapDropsOldest(t *testing.T) {
	s := NewStore(nil)

	var first Operation
	for i := 0; i < MaxOperations+1; i++ {
		op := opNamed(i)
		if i == 0 {
			first = op
		}
		s.AddOperation(op)
	}

	ops := s.Operations()
	if len(ops) != MaxOperations {
		t.Fatalf("ledger length = %d, want %d", len(ops), MaxOperations)
	}
	if ops[0].Payload["n"] != MaxOperations {
		t.Errorf("head = %v, want newest entry %d", ops[0].Payload["n"], MaxOperations)
	}
	if ops[len(ops)-1].Payload["n"] != 1 {
		t.Errorf("tail = %v, want 1", ops[len(ops)-1].Payload["n"])
	}
	for _, op := range ops {
		if op.ID == first.ID {
			t.Fatal("oldest entry still present after overflow")
		}
	}
}

func TestLedger_NeverExceedsCap(t *testing.T) {
	s := NewStore(nil)
	for i := 0; i < 3*MaxOperations; i++ {
		s.AddOperation(opNamed(i))
		if n := len(s.Operations()); n > MaxOperations {
			t.Fatalf("after %d inserts ledger length = %d", i+1, n)
		}
	}
}

func TestOperationIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 10000; i++ {
		id := NewOperationID()
		if seen[id] {
			t.Fatalf("duplicate id %s after %d ids", id, i)
		}
		seen[id] = true
	}
}

func TestPersistsTenNewestAndTheme(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(p)

	for i := 0; i < 15; i++ {
		s.AddOperation(opNamed(i))
	}
	snap := p.last()
	if len(snap.Operations) != MaxPersistedOperations {
		t.Fatalf("persisted %d operations, want %d", len(snap.Operations), MaxPersistedOperations)
	}
	if snap.Operations[0].Payload["n"] != 14 {
		t.Errorf("persisted head = %v, want 14", snap.Operations[0].Payload["n"])
	}

	if on := s.ToggleDarkMode(); !on {
		t.Fatal("ToggleDarkMode returned false, want true")
	}
	if !p.last().DarkMode {
		t.Error("dark mode not persisted")
	}
}

func TestPersistFailureIsNotFatal(t *testing.T) {
	p := &recordingPersister{err: errors.New("disk full")}
	s := NewStore(p)

	s.AddOperation(opNamed(1))
	if len(s.Operations()) != 1 {
		t.Error("operation lost when persistence failed")
	}
}

func TestHydrate(t *testing.T) {
	s := NewStore(nil)
	var ops []Operation
	for i := 0; i < 12; i++ {
		ops = append(ops, opNamed(i))
	}
	s.Hydrate(Snapshot{DarkMode: true, Operations: ops})

	if !s.DarkMode() {
		t.Error("DarkMode = false after hydrate")
	}
	got := s.Operations()
	if len(got) != MaxPersistedOperations {
		t.Fatalf("hydrated %d operations, want %d", len(got), MaxPersistedOperations)
	}
	if got[0].ID != ops[0].ID {
		t.Error("hydrate changed ledger order")
	}

	s.AddOperation(opNamed(99))
	if s.Operations()[0].Payload["n"] != 99 {
		t.Error("new operation not inserted at head after hydrate")
	}
}

func TestBeginLoading(t *testing.T) {
	s := NewStore(nil)
	if s.Loading() {
		t.Fatal("Loading = true before any call")
	}

	release := s.BeginLoading()
	if !s.Loading() {
		t.Fatal("Loading = false while call in flight")
	}
	release()
	release()
	if s.Loading() {
		t.Fatal("Loading = true after release")
	}

	a := s.BeginLoading()
	b := s.BeginLoading()
	a()
	if !s.Loading() {
		t.Error("Loading = false while a second call is still in flight")
	}
	b()
	if s.Loading() {
		t.Error("Loading = true after both released")
	}
}

func TestSetAnalysisDiscardsStale(t *testing.T) {
	s := NewStore(nil)

	first := s.NextAnalysisSeq("f1")
	second := s.NextAnalysisSeq("f1")

	if !s.SetAnalysis("f1", Analysis{Seq: second, Prompt: "newer"}) {
		t.Fatal("latest analysis rejected")
	}
	if s.SetAnalysis("f1", Analysis{Seq: first, Prompt: "older"}) {
		t.Fatal("stale analysis accepted")
	}

	got, ok := s.Analysis("f1")
	if !ok || got.Prompt != "newer" {
		t.Errorf("Analysis = %+v, %v; want newer", got, ok)
	}

	other := s.NextAnalysisSeq("f2")
	if other != 1 {
		t.Errorf("seq for another file = %d, want 1", other)
	}
}

func TestSessionLifecycleAndSubscribe(t *testing.T) {
	s := NewStore(nil)

	var mu sync.Mutex
	var events []EventKind
	unsubscribe := s.Subscribe(func(k EventKind) {
		mu.Lock()
		events = append(events, k)
		mu.Unlock()
	})

	s.SetSession(gateway.Session{ID: "s1", FileIDs: []string{"f1"}})
	s.SetCurrentFile(UploadedFile{ID: "f1", Filename: "a.xlsx"})

	if s.SessionID() != "s1" {
		t.Errorf("SessionID = %q", s.SessionID())
	}
	sess := s.Session()
	sess.FileIDs[0] = "mutated"
	if s.Session().FileIDs[0] != "f1" {
		t.Error("Session() returned shared slice")
	}

	s.ClearSession()
	if s.Session() != nil || s.CurrentFile() != nil {
		t.Error("ClearSession left session or file behind")
	}

	unsubscribe()
	s.SetError("ignored")

	mu.Lock()
	defer mu.Unlock()
	want := []EventKind{EventSession, EventFile, EventSession, EventFile}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestUploadProgressClamped(t *testing.T) {
	s := NewStore(nil)
	s.SetUploadProgress(150)
	if s.UploadProgress() != 100 {
		t.Errorf("progress = %d, want 100", s.UploadProgress())
	}
	s.SetUploadProgress(-3)
	if s.UploadProgress() != 0 {
		t.Errorf("progress = %d, want 0", s.UploadProgress())
	}
}

func openDurable(t *testing.T) (*Durable, *storage.Store) {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewDurable(db), db
}

func TestDurable_SessionID(t *testing.T) {
	d, _ := openDurable(t)

	id, err := d.LoadSessionID()
	if err != nil || id != "" {
		t.Fatalf("LoadSessionID on empty store = %q, %v", id, err)
	}

	if err := d.SaveSessionID("sess-1"); err != nil {
		t.Fatalf("SaveSessionID: %v", err)
	}
	if id, _ := d.LoadSessionID(); id != "sess-1" {
		t.Errorf("LoadSessionID = %q, want sess-1", id)
	}

	if err := d.ClearSessionID(); err != nil {
		t.Fatalf("ClearSessionID: %v", err)
	}
	if id, _ := d.LoadSessionID(); id != "" {
		t.Errorf("LoadSessionID after clear = %q", id)
	}
}

func TestDurable_SnapshotRoundTripTruncates(t *testing.T) {
	d, _ := openDurable(t)

	var ops []Operation
	for i := 0; i < 20; i++ {
		ops = append(ops, opNamed(i))
	}
	if err := d.SaveSnapshot(Snapshot{DarkMode: true, Operations: ops}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, err := d.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if !snap.DarkMode {
		t.Error("DarkMode lost")
	}
	if len(snap.Operations) != MaxPersistedOperations {
		t.Errorf("loaded %d operations, want %d", len(snap.Operations), MaxPersistedOperations)
	}
	if snap.Operations[0].ID != ops[0].ID {
		t.Error("snapshot order changed")
	}
}

func TestDurable_CorruptSnapshotIsStorageError(t *testing.T) {
	d, db := openDurable(t)

	if err := db.PutValue(SnapshotKey, "{not json"); err != nil {
		t.Fatalf("PutValue: %v", err)
	}

	snap, err := d.LoadSnapshot()
	var se *storage.StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v (%T), want *storage.StorageError", err, err)
	}
	if snap.DarkMode || len(snap.Operations) != 0 {
		t.Errorf("corrupt snapshot yielded state %+v", snap)
	}
}

func TestDurable_CurrentFileAndLastAnalysis(t *testing.T) {
	d, _ := openDurable(t)

	if f, err := d.LoadCurrentFile(); err != nil || f != nil {
		t.Fatalf("LoadCurrentFile on empty store = %v, %v", f, err)
	}
	if err := d.SaveCurrentFile(UploadedFile{ID: "f1", Filename: "a.xlsx", TotalRows: 4}); err != nil {
		t.Fatalf("SaveCurrentFile: %v", err)
	}
	f, err := d.LoadCurrentFile()
	if err != nil || f == nil || f.ID != "f1" || f.TotalRows != 4 {
		t.Fatalf("LoadCurrentFile = %+v, %v", f, err)
	}

	saved := SavedAnalysis{FileID: "f1", Analysis: Analysis{Seq: 1, Prompt: "p", Response: gateway.AnalysisResponse{Code: "df"}}}
	if err := d.SaveLastAnalysis(saved); err != nil {
		t.Fatalf("SaveLastAnalysis: %v", err)
	}
	got, err := d.LoadLastAnalysis()
	if err != nil || got == nil || got.Analysis.Response.Code != "df" {
		t.Fatalf("LoadLastAnalysis = %+v, %v", got, err)
	}
}
