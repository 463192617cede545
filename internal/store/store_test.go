package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"dlhub/internal/model"
)

func newDoneRecord(i int) *model.Record {
	rec := model.NewRecord(model.ProviderProxy, "u1", fmt.Sprintf("job-%d", i), fmt.Sprintf("https://example.com/%d", i), "", "proxy", "proxy", "", "")
	rec.Status = model.StatusFinished
	rec.Timestamp = int64(i)
	return rec
}

func TestPartitionOrderAndDelete(t *testing.T) {
	p := NewPartition()
	for i := 0; i < 3; i++ {
		p.Put(newDoneRecord(i))
	}
	recs := p.Records()
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	if recs[0].Title != "job-0" || recs[2].Title != "job-2" {
		t.Fatalf("insertion order broken: %s .. %s", recs[0].Title, recs[2].Title)
	}

	if !p.Delete(recs[1].StorageKey) {
		t.Fatal("delete returned false for existing key")
	}
	if p.Delete("proxy:nope") {
		t.Fatal("delete returned true for missing key")
	}
	recs = p.Records()
	if len(recs) != 2 || recs[1].Title != "job-2" {
		t.Fatalf("unexpected records after delete: %d", len(recs))
	}
}

func TestMoveToDonePartitionExclusive(t *testing.T) {
	s, err := New(t.TempDir(), -1)
	if err != nil {
		t.Fatal(err)
	}
	rec := newDoneRecord(1)
	rec.Status = model.StatusQueued
	s.Queue.Put(rec)

	if where, ok := s.Locate(rec.StorageKey); !ok || where != "queue" {
		t.Fatalf("Locate = %q, %v", where, ok)
	}

	rec.Status = model.StatusFinished
	if err := s.MoveToDone(rec); err != nil {
		t.Fatal(err)
	}
	if s.Queue.Exists(rec.StorageKey) || s.Pending.Exists(rec.StorageKey) {
		t.Fatal("record still present in a live partition")
	}
	if where, _ := s.Locate(rec.StorageKey); where != "done" {
		t.Fatalf("Locate = %q, want done", where)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, -1)
	if err != nil {
		t.Fatal(err)
	}
	keys := []string{}
	for i := 0; i < 4; i++ {
		rec := newDoneRecord(i)
		keys = append(keys, rec.StorageKey)
		if err := s.MoveToDone(rec); err != nil {
			t.Fatal(err)
		}
	}

	reloaded, err := New(dir, -1)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Done.Len() != 4 {
		t.Fatalf("reloaded %d records, want 4", reloaded.Done.Len())
	}
	for i, rec := range reloaded.Done.Records() {
		if rec.StorageKey != keys[i] {
			t.Errorf("record %d = %s, want %s", i, rec.StorageKey, keys[i])
		}
		if rec.Status != model.StatusFinished {
			t.Errorf("record %d status = %s", i, rec.Status)
		}
	}
}

func TestHistoryEvictionOldestFirst(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 5)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 6; i++ {
		if err := s.MoveToDone(newDoneRecord(i)); err != nil {
			t.Fatal(err)
		}
	}
	recs := s.Done.Records()
	if len(recs) != 5 {
		t.Fatalf("done holds %d records, want 5", len(recs))
	}
	if recs[0].Title != "job-2" || recs[4].Title != "job-6" {
		t.Fatalf("eviction kept wrong window: %s .. %s", recs[0].Title, recs[4].Title)
	}

	// The evicted record must be gone from the persisted file too.
	var persisted []*model.Record
	if err := ReadJSON(filepath.Join(dir, "history.json"), &persisted); err != nil {
		t.Fatal(err)
	}
	for _, rec := range persisted {
		if rec.Title == "job-1" {
			t.Fatal("evicted record survived in the persisted history")
		}
	}
}

func TestZeroCapClearsHistory(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.MoveToDone(newDoneRecord(1)); err != nil {
		t.Fatal(err)
	}
	if s.Done.Len() != 0 {
		t.Fatalf("done holds %d records with zero cap", s.Done.Len())
	}
}

func TestBacklogRecovery(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, -1)
	if err != nil {
		t.Fatal(err)
	}

	pendingRec := newDoneRecord(1)
	pendingRec.Status = model.StatusPending
	s.Pending.Put(pendingRec)

	activeRec := newDoneRecord(2)
	activeRec.Status = model.StatusActive
	pct := 55.0
	activeRec.Percent = &pct
	s.Queue.Put(activeRec)

	if err := s.PersistBacklog(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := New(dir, -1)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Pending.Len() != 1 || reloaded.Queue.Len() != 1 {
		t.Fatalf("recovered pending=%d queue=%d", reloaded.Pending.Len(), reloaded.Queue.Len())
	}
	rec, _ := reloaded.Queue.Get(activeRec.StorageKey)
	if rec.Status != model.StatusQueued {
		t.Fatalf("mid-flight record recovered as %s, want queued", rec.Status)
	}
	if rec.Percent != nil {
		t.Fatal("stale progress survived recovery")
	}
}

func TestStateLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireStateLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := AcquireStateLock(dir); err == nil {
		t.Fatal("second acquire succeeded while locked")
	}
	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	relock, err := AcquireStateLock(dir)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = relock.Release()
}
