package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"dlhub/internal/model"
)

// Partition is an insertion-ordered set of records keyed by storage key.
type Partition struct {
	keys    []string
	records map[string]*model.Record
}

func NewPartition() *Partition {
	return &Partition{records: make(map[string]*model.Record)}
}

func (p *Partition) Exists(key string) bool {
	_, ok := p.records[key]
	return ok
}

func (p *Partition) Get(key string) (*model.Record, bool) {
	rec, ok := p.records[key]
	return rec, ok
}

func (p *Partition) Put(rec *model.Record) {
	if _, ok := p.records[rec.StorageKey]; !ok {
		p.keys = append(p.keys, rec.StorageKey)
	}
	p.records[rec.StorageKey] = rec
}

func (p *Partition) Delete(key string) bool {
	if _, ok := p.records[key]; !ok {
		return false
	}
	delete(p.records, key)
	for i, k := range p.keys {
		if k == key {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
	return true
}

func (p *Partition) Len() int {
	return len(p.keys)
}

// Records returns the partition in insertion order.
func (p *Partition) Records() []*model.Record {
	out := make([]*model.Record, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, p.records[k])
	}
	return out
}

// popOldest removes and returns the oldest entry by insertion order.
func (p *Partition) popOldest() (*model.Record, bool) {
	if len(p.keys) == 0 {
		return nil, false
	}
	key := p.keys[0]
	rec := p.records[key]
	p.keys = p.keys[1:]
	delete(p.records, key)
	return rec, true
}

// Store holds the three lifecycle partitions for one user×provider scope and
// persists them under the scope's state directory. A storage key lives in at
// most one partition at a time; the orchestrator's lock serializes all
// mutations, so the store itself carries no locking.
type Store struct {
	stateDir string

	Pending *Partition
	Queue   *Partition
	Done    *Partition

	// maxHistory bounds the done partition: negative disables eviction,
	// zero clears history on every mutation.
	maxHistory int
}

func New(stateDir string, maxHistory int) (*Store, error) {
	if err := Mkdir(stateDir); err != nil {
		return nil, err
	}
	s := &Store{
		stateDir:   stateDir,
		Pending:    NewPartition(),
		Queue:      NewPartition(),
		Done:       NewPartition(),
		maxHistory: maxHistory,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	if s.truncateDone() {
		if err := s.PersistDone(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) historyPath() string { return filepath.Join(s.stateDir, "history.json") }
func (s *Store) pendingPath() string { return filepath.Join(s.stateDir, "pending.json") }
func (s *Store) queuePath() string   { return filepath.Join(s.stateDir, "queue.json") }

func (s *Store) load() error {
	done, err := readRecords(s.historyPath())
	if err != nil {
		return err
	}
	sort.SliceStable(done, func(i, j int) bool { return done[i].Timestamp < done[j].Timestamp })
	for _, rec := range done {
		s.Done.Put(rec)
	}

	pending, err := readRecords(s.pendingPath())
	if err != nil {
		return err
	}
	for _, rec := range pending {
		rec.Status = model.StatusPending
		s.Pending.Put(rec)
	}

	queued, err := readRecords(s.queuePath())
	if err != nil {
		return err
	}
	for _, rec := range queued {
		// An interrupted run leaves records mid-flight; they restart
		// from queued on recovery.
		rec.Status = model.StatusQueued
		rec.Percent = nil
		rec.Speed = nil
		rec.ETA = nil
		s.Queue.Put(rec)
	}
	return nil
}

func readRecords(path string) ([]*model.Record, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	var records []*model.Record
	if err := ReadJSON(path, &records); err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if rec == nil || rec.StorageKey == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// MoveToDone removes the key from whichever live partition holds it, appends
// the record to history, evicts past the retention cap, and persists.
func (s *Store) MoveToDone(rec *model.Record) error {
	s.Pending.Delete(rec.StorageKey)
	s.Queue.Delete(rec.StorageKey)
	s.Done.Put(rec)
	s.truncateDone()
	if err := s.PersistDone(); err != nil {
		return err
	}
	return s.PersistBacklog()
}

func (s *Store) truncateDone() bool {
	if s.maxHistory < 0 {
		return false
	}
	changed := false
	if s.maxHistory == 0 {
		if s.Done.Len() > 0 {
			s.Done = NewPartition()
			changed = true
		}
		return changed
	}
	for s.Done.Len() > s.maxHistory {
		s.Done.popOldest()
		changed = true
	}
	return changed
}

func (s *Store) PersistDone() error {
	return WriteJSON(s.historyPath(), s.Done.Records())
}

// PersistBacklog snapshots the pending and queued partitions so a restart can
// re-import unfinished work.
func (s *Store) PersistBacklog() error {
	if err := WriteJSON(s.pendingPath(), s.Pending.Records()); err != nil {
		return err
	}
	return WriteJSON(s.queuePath(), s.Queue.Records())
}

// Locate reports which partition currently holds the key.
func (s *Store) Locate(key string) (string, bool) {
	switch {
	case s.Pending.Exists(key):
		return "pending", true
	case s.Queue.Exists(key):
		return "queue", true
	case s.Done.Exists(key):
		return "done", true
	default:
		return "", false
	}
}

func (s *Store) StateDir() string {
	return s.stateDir
}

// RenameDone rewrites a history record in place and persists immediately.
func (s *Store) RenameDone(key, filename string, size *int64) error {
	rec, ok := s.Done.Get(key)
	if !ok {
		return fmt.Errorf("history record %s not found", key)
	}
	rec.Filename = filename
	rec.Title = filename
	if size != nil {
		rec.Size = size
	}
	s.truncateDone()
	return s.PersistDone()
}
