/*
PACS Edge Gateway - DICOM edge gateway for medical imaging pipelines.
Copyright © 2024 The pacsedge contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pacsedge/pacsedge/internal/testutils"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenSQLite(context.Background(),
		filepath.Join(t.TempDir(), "queue.db"), testutils.Logger(t, "db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnqueueClaimFIFO(t *testing.T) {
	store := testStore(t)

	// Fix timestamps so created_at strictly increases.
	base := time.Now()
	i := 0
	store.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Millisecond)
	}

	first, err := store.Enqueue("1.2.3", "1.2.3.1", "/data/incoming/1.2.3/1.2.3.1.dcm")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Enqueue("1.2.3", "1.2.3.2", "/data/incoming/1.2.3/1.2.3.2.dcm")
	if err != nil {
		t.Fatal(err)
	}

	item, err := store.ClaimNext()
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.ID != first {
		t.Fatalf("claimed %+v, want id %d", item, first)
	}
	if item.State != StateForwarding {
		t.Errorf("state: got %q", item.State)
	}

	item, err = store.ClaimNext()
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.ID != second {
		t.Fatalf("claimed %+v, want id %d", item, second)
	}

	item, err = store.ClaimNext()
	if err != nil {
		t.Fatal(err)
	}
	if item != nil {
		t.Errorf("empty queue returned %+v", item)
	}
}

func TestClaimConcurrent(t *testing.T) {
	store := testStore(t)

	const records = 20
	for i := 0; i < records; i++ {
		if _, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm"); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := map[int64]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := store.ClaimNext()
				if err != nil {
					t.Error(err)
					return
				}
				if item == nil {
					return
				}
				mu.Lock()
				claimed[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != records {
		t.Errorf("claimed %d distinct records, want %d", len(claimed), records)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("record %d claimed %d times", id, n)
		}
	}
}

func TestUpdateStateRejectsIllegalTransitions(t *testing.T) {
	store := testStore(t)

	id, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm")
	if err != nil {
		t.Fatal(err)
	}

	// queued -> sent skips forwarding.
	err = store.UpdateState(id, StateChange{State: StateSent})
	var se StateError
	if !errors.As(err, &se) {
		t.Fatalf("got %v, want StateError", err)
	}
	if se.Temporary() {
		t.Error("state errors must not be temporary")
	}

	if _, err := store.ClaimNext(); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateState(id, StateChange{State: StateSent, FilePath: "/data/sent/x.dcm"}); err != nil {
		t.Fatal(err)
	}

	// sent is terminal.
	if err := store.UpdateState(id, StateChange{State: StateQueued}); !errors.As(err, &se) {
		t.Errorf("transition out of sent: got %v, want StateError", err)
	}
	if err := store.UpdateState(id, StateChange{State: StateForwarding}); !errors.As(err, &se) {
		t.Errorf("transition out of sent: got %v, want StateError", err)
	}

	item, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != StateSent || item.FilePath != "/data/sent/x.dcm" {
		t.Errorf("record: %+v", item)
	}
}

func TestRequeueAfterFailure(t *testing.T) {
	store := testStore(t)

	id, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(); err != nil {
		t.Fatal(err)
	}

	retries, err := store.IncrementRetry(id, "timeout")
	if err != nil {
		t.Fatal(err)
	}
	if retries != 1 {
		t.Errorf("retries: got %d, want 1", retries)
	}

	if err := store.UpdateState(id, StateChange{State: StateQueued, LastError: "timeout"}); err != nil {
		t.Fatal(err)
	}

	// Requeued record is claimable again.
	item, err := store.ClaimNext()
	if err != nil {
		t.Fatal(err)
	}
	if item == nil || item.ID != id {
		t.Fatalf("claimed %+v, want id %d", item, id)
	}
	if item.Retries != 1 || !item.LastError.Valid || item.LastError.String != "timeout" {
		t.Errorf("record: %+v", item)
	}
}

func TestIncrementRetryUnknownID(t *testing.T) {
	store := testStore(t)
	if _, err := store.IncrementRetry(42, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestCorrelation(t *testing.T) {
	store := testStore(t)

	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	id, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkWorkerSent(id, "worker1", "WORKER1"); err != nil {
		t.Fatal(err)
	}

	now = now.Add(1500 * time.Millisecond)
	corr, err := store.MarkResultReceived("1.2.3", "9.9.9")
	if err != nil {
		t.Fatal(err)
	}
	if corr == nil {
		t.Fatal("no correlation")
	}
	if corr.OriginalSOP != "1.2.3.4" {
		t.Errorf("original sop: got %q", corr.OriginalSOP)
	}
	if corr.WorkerHost != "worker1" || corr.WorkerAE != "WORKER1" {
		t.Errorf("worker: got %q@%q", corr.WorkerAE, corr.WorkerHost)
	}
	if corr.DurationMS != 1500 {
		t.Errorf("duration: got %d, want 1500", corr.DurationMS)
	}

	item, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.AIStatus != AIStatusDelivered {
		t.Errorf("ai_status: got %q", item.AIStatus)
	}
	if !item.ResultReceivedAt.Valid {
		t.Error("result_received_at not stamped")
	}
}

func TestCorrelationPicksOldestPending(t *testing.T) {
	store := testStore(t)

	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	newer, err := store.Enqueue("1.2.3", "1.2.3.9", "/tmp/b.dcm")
	if err != nil {
		t.Fatal(err)
	}
	older, err := store.Enqueue("1.2.3", "1.2.3.1", "/tmp/a.dcm")
	if err != nil {
		t.Fatal(err)
	}

	// The older worker send happened first even though the record was
	// inserted second.
	if err := store.MarkWorkerSent(older, "w1", "W1"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Second)
	if err := store.MarkWorkerSent(newer, "w2", "W2"); err != nil {
		t.Fatal(err)
	}

	corr, err := store.MarkResultReceived("1.2.3", "9.9.1")
	if err != nil {
		t.Fatal(err)
	}
	if corr == nil || corr.OriginalSOP != "1.2.3.1" {
		t.Fatalf("got %+v, want original 1.2.3.1", corr)
	}

	corr, err = store.MarkResultReceived("1.2.3", "9.9.2")
	if err != nil {
		t.Fatal(err)
	}
	if corr == nil || corr.OriginalSOP != "1.2.3.9" {
		t.Fatalf("got %+v, want original 1.2.3.9", corr)
	}
}

func TestCorrelationUnmatched(t *testing.T) {
	store := testStore(t)

	id, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkWorkerSent(id, "w1", "W1"); err != nil {
		t.Fatal(err)
	}

	// One pending send, two results: exactly one correlates.
	first, err := store.MarkResultReceived("1.2.3", "9.9.1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.MarkResultReceived("1.2.3", "9.9.2")
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || second != nil {
		t.Errorf("first=%+v second=%+v, want exactly one match", first, second)
	}

	// A study with no sends at all never matches.
	corr, err := store.MarkResultReceived("7.7.7", "9.9.9")
	if err != nil {
		t.Fatal(err)
	}
	if corr != nil {
		t.Errorf("unexpected match: %+v", corr)
	}
}

func TestMarkAIStatus(t *testing.T) {
	store := testStore(t)

	id, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkAIStatus(id, AIStatusFailed, "worker_timeout"); err != nil {
		t.Fatal(err)
	}

	item, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.AIStatus != AIStatusFailed {
		t.Errorf("ai_status: got %q", item.AIStatus)
	}
	if !item.LastError.Valid || item.LastError.String != "worker_timeout" {
		t.Errorf("last_error: got %+v", item.LastError)
	}

	// Failed correlation records are no longer eligible.
	corr, err := store.MarkResultReceived("1.2.3", "9.9.9")
	if err != nil {
		t.Fatal(err)
	}
	if corr != nil {
		t.Errorf("unexpected match: %+v", corr)
	}
}

func TestMarkPACSSent(t *testing.T) {
	store := testStore(t)

	id, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkPACSSent(id); err != nil {
		t.Fatal(err)
	}

	item, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !item.PACSSentAt.Valid {
		t.Error("pacs_sent_at not stamped")
	}
}

func TestCountsAndStudyRows(t *testing.T) {
	store := testStore(t)

	counts, err := store.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 0 {
		t.Errorf("empty store counts: %v", counts)
	}

	for i := 0; i < 3; i++ {
		if _, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Enqueue("4.5.6", "4.5.6.7", "/tmp/y.dcm"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(); err != nil {
		t.Fatal(err)
	}

	counts, err = store.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts[StateQueued] != 3 || counts[StateForwarding] != 1 {
		t.Errorf("counts: %v", counts)
	}

	rows, err := store.StudyRows("1.2.3")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Errorf("study rows: got %d, want 3", len(rows))
	}

	rows, err = store.StudyRows("no.such.study")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("unexpected rows: %v", rows)
	}
}

func TestUpdatedAtMonotonic(t *testing.T) {
	store := testStore(t)

	base := time.Unix(1700000000, 0)
	step := 0
	store.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	id, err := store.Enqueue("1.2.3", "1.2.3.4", "/tmp/x.dcm")
	if err != nil {
		t.Fatal(err)
	}
	before, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := store.ClaimNext(); err != nil {
		t.Fatal(err)
	}
	after, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if after.UpdatedAt <= before.UpdatedAt {
		t.Errorf("updated_at did not advance: %d -> %d", before.UpdatedAt, after.UpdatedAt)
	}
}
