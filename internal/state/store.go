// Package state holds the client's application state: the current session,
// the current uploaded file, the operation ledger and the UI flags. All
// mutation goes through Store setters; each setter is atomic.
package state

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/xlcopilot/internal/gateway"
)

// UploadedFile is the workbook currently selected in the client.
type UploadedFile struct {
	ID           string           `json:"id"`
	Filename     string           `json:"filename"`
	SizeMB       float64          `json:"size_mb"`
	SheetNames   []string         `json:"sheet_names"`
	TotalRows    int              `json:"total_rows"`
	TotalColumns int              `json:"total_columns"`
	Columns      []string         `json:"columns"`
	Preview      []map[string]any `json:"preview,omitempty"`
	UploadedAt   time.Time        `json:"uploaded_at"`
}

// Analysis is the latest accepted analyze result for a file.
type Analysis struct {
	Seq      uint64                   `json:"seq"`
	Prompt   string                   `json:"prompt"`
	Response gateway.AnalysisResponse `json:"response"`
}

// Snapshot is the subset of state that survives restarts.
type Snapshot struct {
	DarkMode   bool        `json:"darkMode"`
	Operations []Operation `json:"operations"`
}

// Persister writes durable snapshots.
type Persister interface {
	SaveSnapshot(Snapshot) error
}

// EventKind identifies which part of the state changed.
type EventKind string

const (
	EventSession   EventKind = "session"
	EventFile      EventKind = "file"
	EventOperation EventKind = "operation"
	EventLoading   EventKind = "loading"
	EventError     EventKind = "error"
	EventProgress  EventKind = "progress"
	EventTheme     EventKind = "theme"
	EventAnalysis  EventKind = "analysis"
)

// View is a read-only copy of the whole state.
type View struct {
	Session        *gateway.Session `json:"session"`
	CurrentFile    *UploadedFile    `json:"current_file"`
	Operations     []Operation      `json:"operations"`
	Loading        bool             `json:"loading"`
	Error          string           `json:"error,omitempty"`
	UploadProgress int              `json:"upload_progress"`
	DarkMode       bool             `json:"dark_mode"`
}

// Store is the single shared state container.
type Store struct {
	mu sync.Mutex

	session     *gateway.Session
	currentFile *UploadedFile
	ops         *ledger
	loading     int
	errMsg      string
	progress    int
	darkMode    bool

	analysisSeq map[string]uint64
	analyses    map[string]Analysis

	persister Persister
	logger    *slog.Logger

	nextListener int
	listeners    map[int]func(EventKind)
}

// NewStore creates an empty Store. p may be nil for a memory-only store.
func NewStore(p Persister) *Store {
	return &Store{
		ops:         newLedger(MaxOperations),
		analysisSeq: make(map[string]uint64),
		analyses:    make(map[string]Analysis),
		persister:   p,
		logger:      slog.Default(),
		listeners:   make(map[int]func(EventKind)),
	}
}

// Hydrate loads a durable snapshot without writing it back.
func (s *Store) Hydrate(snap Snapshot) {
	s.mu.Lock()
	s.darkMode = snap.DarkMode
	ops := snap.Operations
	if len(ops) > MaxPersistedOperations {
		ops = ops[:MaxPersistedOperations]
	}
	s.ops.reset(ops)
	s.mu.Unlock()

	s.notify(EventTheme)
	s.notify(EventOperation)
}

// Subscribe registers fn to be called after every mutation. The returned
// func removes the subscription.
func (s *Store) Subscribe(fn func(EventKind)) func() {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(kind EventKind) {
	s.mu.Lock()
	ids := slices.Sorted(maps.Keys(s.listeners))
	fns := make([]func(EventKind), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(kind)
	}
}

// persistLocked writes the durable snapshot. Failures are logged and otherwise ignored.
func (s *Store) persistLocked() {
	if s.persister == nil {
		return
	}
	snap := Snapshot{
		DarkMode:   s.darkMode,
		Operations: s.ops.newest(MaxPersistedOperations),
	}
	if err := s.persister.SaveSnapshot(snap); err != nil {
		s.logger.Warn("persisting client state failed", "error", err)
	}
}

// --- Session ---

func (s *Store) Session() *gateway.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	cp := *s.session
	cp.FileIDs = slices.Clone(s.session.FileIDs)
	cp.Operations = slices.Clone(s.session.Operations)
	return &cp
}

// SessionID returns the current session identifier, or "" when none is loaded.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.ID
}

func (s *Store) SetSession(sess gateway.Session) {
	s.mu.Lock()
	s.session = &sess
	s.mu.Unlock()
	s.notify(EventSession)
}

// ClearSession forgets the session together with the file and analyses that belong to it.
func (s *Store) ClearSession() {
	s.mu.Lock()
	s.session = nil
	s.currentFile = nil
	clear(s.analyses)
	clear(s.analysisSeq)
	s.mu.Unlock()
	s.notify(EventSession)
	s.notify(EventFile)
}

// --- Current file ---

func (s *Store) CurrentFile() *UploadedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentFile == nil {
		return nil
	}
	cp := *s.currentFile
	return &cp
}

// SetCurrentFile replaces the tracked file; the previous reference is dropped.
func (s *Store) SetCurrentFile(f UploadedFile) {
	s.mu.Lock()
	s.currentFile = &f
	s.mu.Unlock()
	s.notify(EventFile)
}

func (s *Store) ClearCurrentFile() {
	s.mu.Lock()
	s.currentFile = nil
	s.mu.Unlock()
	s.notify(EventFile)
}

// --- Ledger ---

// AddOperation inserts op at the head of the ledger.
func (s *Store) AddOperation(op Operation) {
	s.mu.Lock()
	s.ops.push(op)
	s.persistLocked()
	s.mu.Unlock()
	s.notify(EventOperation)
}

// Operations returns the ledger, newest first.
func (s *Store) Operations() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops.newest(0)
}

// --- Loading / error / progress ---

// BeginLoading raises the loading flag and returns the func that lowers it.
// Calling the returned func more than once has no further effect.
func (s *Store) BeginLoading() func() {
	s.mu.Lock()
	s.loading++
	s.mu.Unlock()
	s.notify(EventLoading)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.loading--
			s.mu.Unlock()
			s.notify(EventLoading)
		})
	}
}

// Loading reports whether any orchestrated call is in flight.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading > 0
}

func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.mu.Unlock()
	s.notify(EventError)
}

func (s *Store) ClearError() {
	s.SetError("")
}

func (s *Store) Error() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errMsg
}

// SetUploadProgress records upload progress, clamped to 0..100.
func (s *Store) SetUploadProgress(pct int) {
	pct = max(0, min(pct, 100))
	s.mu.Lock()
	s.progress = pct
	s.mu.Unlock()
	s.notify(EventProgress)
}

func (s *Store) UploadProgress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// --- Theme ---

func (s *Store) DarkMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.darkMode
}

func (s *Store) SetDarkMode(on bool) {
	s.mu.Lock()
	s.darkMode = on
	s.persistLocked()
	s.mu.Unlock()
	s.notify(EventTheme)
}

// ToggleDarkMode flips the theme flag and returns the new value.
func (s *Store) ToggleDarkMode() bool {
	s.mu.Lock()
	s.darkMode = !s.darkMode
	on := s.darkMode
	s.persistLocked()
	s.mu.Unlock()
	s.notify(EventTheme)
	return on
}

// --- Analyses ---

// NextAnalysisSeq reserves the sequence number for a new analyze request on fileID.
func (s *Store) NextAnalysisSeq(fileID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.analysisSeq[fileID]++
	return s.analysisSeq[fileID]
}

// SetAnalysis installs a as the current analysis for fileID unless a newer
// request for that file has been issued since. It reports whether a was kept.
func (s *Store) SetAnalysis(fileID string, a Analysis) bool {
	s.mu.Lock()
	if a.Seq != s.analysisSeq[fileID] {
		s.mu.Unlock()
		return false
	}
	s.analyses[fileID] = a
	s.mu.Unlock()
	s.notify(EventAnalysis)
	return true
}

func (s *Store) Analysis(fileID string) (Analysis, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.analyses[fileID]
	return a, ok
}

// View returns a copy of the whole state.
func (s *Store) View() View {
	v := View{
		Session:     s.Session(),
		CurrentFile: s.CurrentFile(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Operations = s.ops.newest(0)
	v.Loading = s.loading > 0
	v.Error = s.errMsg
	v.UploadProgress = s.progress
	v.DarkMode = s.darkMode
	return v
}
