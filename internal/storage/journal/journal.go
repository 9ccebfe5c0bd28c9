// Package journal persists position lifecycle events in an append-only WAL
// so that failed positions and unwinds survive restarts and stay visible to
// operators.
package journal

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/fundarb/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultJournalDir   = "./data/journal"
	journalSegmentLimit = 1000
	journalMaxSegments  = 100
	eventKeyPrefix      = "position_event_"
)

// EventKind names a lifecycle transition worth keeping.
type EventKind string

const (
	EventOpened        EventKind = "opened"
	EventActivated     EventKind = "activated"
	EventExitTriggered EventKind = "exit_triggered"
	EventClosed        EventKind = "closed"
	EventUnwind        EventKind = "unwind"
	EventFailed        EventKind = "failed"
)

// Severity separates routine events from ones requiring operator attention.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityAlert Severity = "alert"
)

// Event is one journal entry: a position snapshot at a transition point.
type Event struct {
	Kind     EventKind                `json:"kind"`
	Severity Severity                 `json:"severity"`
	Position domain.ArbitragePosition `json:"position"`
	Note     string                   `json:"note,omitempty"`
	At       time.Time                `json:"at"`
}

// Record pairs an event with its WAL index for resumable streaming reads.
type Record struct {
	Index uint64 `json:"index"`
	Event Event  `json:"event"`
}

// Store is a WAL-backed append-only event journal.
type Store struct {
	wal *gowal.Wal
	mu  sync.RWMutex
}

// NewStore initializes the journal under the provided directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = defaultJournalDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "journal_",
		SegmentThreshold: journalSegmentLimit,
		MaxSegments:      journalMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init position event journal")
	}

	return &Store{wal: wal}, nil
}

// Append writes the event to the WAL.
func (s *Store) Append(event Event) error {
	if s == nil || s.wal == nil {
		return errors.New("position event journal is not initialized")
	}
	if event.Position.Symbol == "" {
		return fmt.Errorf("journal event is missing a position symbol")
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal journal event")
	}

	key := fmt.Sprintf("%s%s", eventKeyPrefix, event.Position.Symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	return s.wal.Write(nextIndex, key, payload)
}

// EventsAfter returns all events written after the provided WAL index.
// EventsAfter(0) replays the whole retained journal, which is how failed
// positions are resurfaced after a restart.
func (s *Store) EventsAfter(index uint64) ([]Record, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("position event journal is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	current := s.wal.CurrentIndex()
	if current <= index {
		return nil, nil
	}

	records := make([]Record, 0, current-index)
	for idx := index + 1; idx <= current; idx++ {
		key, payload, err := s.wal.Get(idx)
		if err != nil {
			// rotated-away segments leave gaps in the index range
			continue
		}
		if !strings.HasPrefix(key, eventKeyPrefix) {
			continue
		}
		var event Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errors.Wrap(err, "decode journal event")
		}
		records = append(records, Record{Index: idx, Event: event})
	}

	return records, nil
}

// UnresolvedFailures replays the journal and returns FAILED events, the
// positions an operator still needs to look at.
func (s *Store) UnresolvedFailures() ([]Event, error) {
	records, err := s.EventsAfter(0)
	if err != nil {
		return nil, err
	}

	var failures []Event
	for _, r := range records {
		if r.Event.Kind == EventFailed {
			failures = append(failures, r.Event)
		}
	}

	return failures, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *Store) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("position event journal is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
