package deadletter_test

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/snehjoshi/epochtick/internal/deadletter"
	"github.com/snehjoshi/epochtick/internal/eventid"
)

func openJournal(t *testing.T) *deadletter.Journal {
	t.Helper()
	j, err := deadletter.Open(filepath.Join(t.TempDir(), "deadletter.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func entry(topic string) deadletter.Entry {
	return deadletter.Entry{
		ID:        eventid.MustNew(),
		Topic:     topic,
		Timestamp: 1_700_000_000_000,
		Message:   json.RawMessage(`{"n":1}`),
		Error:     "endpoint returned 500",
	}
}

func TestRecord_Get(t *testing.T) {
	j := openJournal(t)
	e := entry("billing")
	if err := j.Record(e); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := j.Get(e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.FailedAt == 0 {
		t.Error("FailedAt should be stamped on record")
	}
	if got.Failures != 1 {
		t.Errorf("Failures: want 1, got %d", got.Failures)
	}
	e.FailedAt, e.Failures = got.FailedAt, got.Failures
	if diff := cmp.Diff(e, got); diff != "" {
		t.Errorf("Get mismatch (-want +got):\n%s", diff)
	}
}

// accept re-schedules every entry under a fresh ID, due now.
func accept(deadletter.Entry) (string, int64, error) {
	return eventid.MustNew(), time.Now().UnixMilli(), nil
}

func TestRecord_SameIDIncrementsFailures(t *testing.T) {
	j := openJournal(t)
	e := entry("billing")
	for i := 0; i < 3; i++ {
		if err := j.Record(e); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	got, _ := j.Get(e.ID)
	if got.Failures != 3 {
		t.Errorf("Failures: want 3, got %d", got.Failures)
	}
	if j.Len() != 1 {
		t.Errorf("Len: want 1, got %d", j.Len())
	}
}

func TestRecord_RequiresID(t *testing.T) {
	j := openJournal(t)
	if err := j.Record(deadletter.Entry{Topic: "t"}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestGet_NotFound(t *testing.T) {
	j := openJournal(t)
	if _, err := j.Get(eventid.MustNew()); !errors.Is(err, deadletter.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestList_OldestFirstWithLimit(t *testing.T) {
	j := openJournal(t)
	var ids []string
	for _, topic := range []string{"a", "b", "c", "d"} {
		e := entry(topic)
		ids = append(ids, e.ID)
		if err := j.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := j.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var got []string
	for _, e := range all {
		got = append(got, e.ID)
	}
	if diff := cmp.Diff(ids, got); diff != "" {
		t.Errorf("List order mismatch (-want +got):\n%s", diff)
	}

	two, _ := j.List(2)
	if len(two) != 2 || two[0].Topic != "a" || two[1].Topic != "b" {
		t.Errorf("List(2) = %+v", two)
	}
}

func TestList_EmptyJournal(t *testing.T) {
	j := openJournal(t)
	got, err := j.List(10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("want empty non-nil slice, got %#v", got)
	}
}

func TestDelete(t *testing.T) {
	j := openJournal(t)
	e := entry("x")
	_ = j.Record(e)

	if err := j.Delete(e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := j.Delete(e.ID); !errors.Is(err, deadletter.ErrNotFound) {
		t.Fatalf("second Delete: want ErrNotFound, got %v", err)
	}
	if j.Len() != 0 {
		t.Errorf("Len: want 0, got %d", j.Len())
	}
}

func TestReplay_RemovesOnlyAccepted(t *testing.T) {
	j := openJournal(t)
	keep := entry("rejected")
	_ = j.Record(entry("ok1"))
	_ = j.Record(keep)
	_ = j.Record(entry("ok2"))

	var seen []string
	n, err := j.Replay(0, func(e deadletter.Entry) (string, int64, error) {
		seen = append(seen, e.Topic)
		if e.Topic == "rejected" {
			return "", 0, errors.New("nope")
		}
		return eventid.MustNew(), time.Now().UnixMilli(), nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 2 {
		t.Errorf("replayed: want 2, got %d", n)
	}
	if diff := cmp.Diff([]string{"ok1", "rejected", "ok2"}, seen); diff != "" {
		t.Errorf("replay order (-want +got):\n%s", diff)
	}
	left, _ := j.List(0)
	if len(left) != 1 || left[0].ID != keep.ID {
		t.Errorf("remaining entries: %+v", left)
	}
}

func TestReplay_Limit(t *testing.T) {
	j := openJournal(t)
	for i := 0; i < 5; i++ {
		_ = j.Record(entry("t"))
	}
	n, err := j.Replay(3, accept)
	if err != nil || n != 3 {
		t.Fatalf("Replay(3) = %d, %v", n, err)
	}
	if j.Len() != 2 {
		t.Errorf("Len after replay: want 2, got %d", j.Len())
	}
}

func TestReplay_ConcurrentCallersScheduleEachEntryOnce(t *testing.T) {
	j := openJournal(t)
	const entries = 200
	for i := 0; i < entries; i++ {
		if err := j.Record(entry("t")); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	schedule := func(e deadletter.Entry) (string, int64, error) {
		mu.Lock()
		calls[e.ID]++
		mu.Unlock()
		return accept(e)
	}

	const callers = 4
	start := make(chan struct{})
	counts := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			n, err := j.Replay(0, schedule)
			if err != nil {
				t.Errorf("Replay: %v", err)
			}
			counts[i] = n
		}(i)
	}
	close(start)
	wg.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	if total != entries {
		t.Errorf("replayed counts %v sum to %d, want %d", counts, total, entries)
	}
	if len(calls) != entries {
		t.Errorf("scheduled %d distinct entries, want %d", len(calls), entries)
	}
	for id, n := range calls {
		if n != 1 {
			t.Errorf("entry %s scheduled %d times", id, n)
		}
	}
	if j.Len() != 0 {
		t.Errorf("Len after replay: want 0, got %d", j.Len())
	}
}

func TestReplay_ClaimsEntryBeforeScheduling(t *testing.T) {
	j := openJournal(t)
	e := entry("gone")
	_ = j.Record(e)

	n, err := j.Replay(0, func(got deadletter.Entry) (string, int64, error) {
		// Claimed before the callback runs, so a Delete now finds nothing.
		if err := j.Delete(got.ID); !errors.Is(err, deadletter.ErrNotFound) {
			t.Errorf("Delete during replay: want ErrNotFound, got %v", err)
		}
		return accept(got)
	})
	if err != nil || n != 1 {
		t.Fatalf("Replay = %d, %v", n, err)
	}
}

func TestRecord_ReplayedFailureContinuesCount(t *testing.T) {
	j := openJournal(t)
	first := entry("billing")
	if err := j.Record(first); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Replay twice; each time the re-scheduled event fails again.
	id := first.ID
	for round := 2; round <= 3; round++ {
		var next string
		if _, err := j.Replay(0, func(e deadletter.Entry) (string, int64, error) {
			next = eventid.MustNew()
			return next, time.Now().UnixMilli(), nil
		}); err != nil {
			t.Fatalf("Replay: %v", err)
		}
		failed := entry("billing")
		failed.ID = next
		if err := j.Record(failed); err != nil {
			t.Fatalf("Record: %v", err)
		}
		id = next

		got, err := j.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Failures != round || got.OriginID != first.ID {
			t.Errorf("round %d: Failures=%d OriginID=%q, want %d %q",
				round, got.Failures, got.OriginID, round, first.ID)
		}
	}
	if j.Len() != 1 {
		t.Errorf("Len: want 1, got %d", j.Len())
	}
}

func TestRecord_UnrelatedIDStartsFresh(t *testing.T) {
	j := openJournal(t)
	_ = j.Record(entry("a"))
	if _, err := j.Replay(0, accept); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	other := entry("b")
	_ = j.Record(other)
	got, _ := j.Get(other.ID)
	if got.Failures != 1 || got.OriginID != "" {
		t.Errorf("unlinked entry: %+v", got)
	}
}

func TestOpen_ReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl.db")
	j, err := deadletter.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	e := entry("durable")
	_ = j.Record(e)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j2, err := deadletter.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()
	if _, err := j2.Get(e.ID); err != nil {
		t.Errorf("entry lost across reopen: %v", err)
	}
}
