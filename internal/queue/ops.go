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
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned for operations against an id that does not
// exist.
var ErrNotFound = errors.New("queue: no such record")

// StateError rejects a transition that leaves the allowed state
// machine. Never retryable.
type StateError struct {
	ID       int64
	To       string
	Expected []string
}

func (e StateError) Error() string {
	return fmt.Sprintf("queue: record %d not in %v, cannot enter %s", e.ID, e.Expected, e.To)
}

func (StateError) Temporary() bool {
	return false
}

// Transitions allowed per target state. queued appears twice in the
// record lifecycle: the initial insert and the retry re-queue from
// forwarding.
var allowedFrom = map[string][]string{
	StateForwarding: {StateQueued},
	StateSent:       {StateForwarding},
	StateFailed:     {StateForwarding},
	StateQueued:     {StateForwarding},
}

// Enqueue inserts a fresh queued record and returns its id. Duplicate
// (study, sop) pairs are allowed, the pair is informational.
func (s *Store) Enqueue(studyUID, sopUID, filePath string) (int64, error) {
	now := s.nowMillis()
	q := s.db.Rebind(`INSERT INTO queue_items
		(study_uid, sop_uid, file_path, state, retries, ai_status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', 0, '', ?, ?) RETURNING id`)

	var id int64
	if err := s.db.Get(&id, q, studyUID, sopUID, filePath, now, now); err != nil {
		return 0, fmt.Errorf("queue: enqueue: %w", err)
	}
	s.log.Debugf("enqueued record %d for %s/%s", id, studyUID, sopUID)
	s.refreshGauge()
	return id, nil
}

// claimAttempts bounds the retry loop around the claim race window.
const claimAttempts = 3

// ClaimNext atomically picks the oldest queued record, moves it to
// forwarding and returns it. Returns (nil, nil) when the queue is
// empty. Concurrent callers each win a distinct record.
func (s *Store) ClaimNext() (*Item, error) {
	q := s.db.Rebind(`UPDATE queue_items
		SET state = 'forwarding', updated_at = ?
		WHERE id = (SELECT id FROM queue_items WHERE state = 'queued'
			ORDER BY created_at, id LIMIT 1)
		AND state = 'queued'
		RETURNING ` + itemColumns)

	for attempt := 0; attempt < claimAttempts; attempt++ {
		item := &Item{}
		err := s.db.Get(item, q, s.nowMillis())
		if err == nil {
			s.refreshGauge()
			return item, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}

		// No row updated. Either the queue is empty or another
		// claimant raced us between the subselect and the guard;
		// distinguish by peeking.
		var pending int
		peek := s.db.Rebind(`SELECT COUNT(*) FROM queue_items WHERE state = 'queued'`)
		if err := s.db.Get(&pending, peek); err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}
		if pending == 0 {
			return nil, nil
		}
	}
	// Lost the race repeatedly. The caller treats this like an empty
	// queue and polls again.
	return nil, nil
}

const itemColumns = `id, study_uid, sop_uid, file_path, state, retries, last_error,
	worker_host, worker_ae, worker_sent_at, result_received_at, ai_status, pacs_sent_at,
	created_at, updated_at`

// StateChange describes an UpdateState transition. Empty FilePath and
// LastError leave the columns untouched.
type StateChange struct {
	State     string
	FilePath  string
	LastError string
}

// UpdateState records a state transition, rejecting any move outside
// queued -> forwarding -> (sent | queued | failed).
func (s *Store) UpdateState(id int64, ch StateChange) error {
	from, ok := allowedFrom[ch.State]
	if !ok {
		return StateError{ID: id, To: ch.State}
	}

	set := `state = ?, updated_at = ?`
	args := []interface{}{ch.State, s.nowMillis()}
	if ch.FilePath != "" {
		set += `, file_path = ?`
		args = append(args, ch.FilePath)
	}
	if ch.LastError != "" {
		set += `, last_error = ?`
		args = append(args, ch.LastError)
	}

	guard := ``
	for i, st := range from {
		if i > 0 {
			guard += `, `
		}
		guard += `?`
		args = append(args, st)
	}
	args = append(args, id)

	q := s.db.Rebind(`UPDATE queue_items SET ` + set +
		` WHERE state IN (` + guard + `) AND id = ?`)
	res, err := s.db.Exec(q, args...)
	if err != nil {
		return fmt.Errorf("queue: update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: update state: %w", err)
	}
	if n == 0 {
		if _, err := s.Get(id); errors.Is(err, ErrNotFound) {
			return err
		}
		return StateError{ID: id, To: ch.State, Expected: from}
	}
	s.refreshGauge()
	return nil
}

// UpdateFilePath records an artifact move that does not change state,
// the move from the incoming staging area to queued/.
func (s *Store) UpdateFilePath(id int64, filePath string) error {
	q := s.db.Rebind(`UPDATE queue_items SET file_path = ?, updated_at = ? WHERE id = ?`)
	return s.exec1(q, filePath, s.nowMillis(), id)
}

// IncrementRetry bumps the retry counter and records the diagnostic.
// Returns the counter after the increment. State is unchanged.
func (s *Store) IncrementRetry(id int64, lastError string) (int, error) {
	q := s.db.Rebind(`UPDATE queue_items
		SET retries = retries + 1, last_error = ?, updated_at = ?
		WHERE id = ? RETURNING retries`)

	var retries int
	err := s.db.Get(&retries, q, lastError, s.nowMillis(), id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("queue: increment retry: %w", err)
	}
	return retries, nil
}

// MarkWorkerSent stamps the worker endpoint and opens the correlation
// window by setting ai_status to pending.
func (s *Store) MarkWorkerSent(id int64, host, ae string) error {
	q := s.db.Rebind(`UPDATE queue_items
		SET worker_host = ?, worker_ae = ?, worker_sent_at = ?, ai_status = 'pending', updated_at = ?
		WHERE id = ?`)
	now := s.nowMillis()
	return s.exec1(q, host, ae, now, now, id)
}

// MarkPACSSent stamps the archive delivery time.
func (s *Store) MarkPACSSent(id int64) error {
	q := s.db.Rebind(`UPDATE queue_items SET pacs_sent_at = ?, updated_at = ? WHERE id = ?`)
	now := s.nowMillis()
	return s.exec1(q, now, now, id)
}

// MarkAIStatus sets the correlation status, optionally recording a
// diagnostic.
func (s *Store) MarkAIStatus(id int64, status, lastError string) error {
	if lastError != "" {
		q := s.db.Rebind(`UPDATE queue_items SET ai_status = ?, last_error = ?, updated_at = ? WHERE id = ?`)
		return s.exec1(q, status, lastError, s.nowMillis(), id)
	}
	q := s.db.Rebind(`UPDATE queue_items SET ai_status = ?, updated_at = ? WHERE id = ?`)
	return s.exec1(q, status, s.nowMillis(), id)
}

// MarkResultReceived correlates a received AI result with the oldest
// pending worker send for the study. Returns (nil, nil) when nothing
// is pending: the caller logs the result as unmatched.
//
// Two concurrent results for one study land on distinct records; the
// guarded update makes losing the race indistinguishable from the
// record having been taken, so the loser retries against the next
// pending record.
func (s *Store) MarkResultReceived(studyUID, resultSOP string) (*Correlation, error) {
	q := s.db.Rebind(`UPDATE queue_items
		SET result_received_at = ?, ai_status = 'delivered', updated_at = ?
		WHERE id = (SELECT id FROM queue_items
			WHERE study_uid = ? AND ai_status = 'pending' AND result_received_at IS NULL
			ORDER BY worker_sent_at, id LIMIT 1)
		AND ai_status = 'pending' AND result_received_at IS NULL
		RETURNING sop_uid, worker_host, worker_ae, worker_sent_at, result_received_at`)

	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := s.nowMillis()
		row := struct {
			SOPUID           string         `db:"sop_uid"`
			WorkerHost       sql.NullString `db:"worker_host"`
			WorkerAE         sql.NullString `db:"worker_ae"`
			WorkerSentAt     sql.NullInt64  `db:"worker_sent_at"`
			ResultReceivedAt sql.NullInt64  `db:"result_received_at"`
		}{}
		err := s.db.Get(&row, q, now, now, studyUID)
		if err == nil {
			duration := int64(0)
			if row.WorkerSentAt.Valid {
				duration = row.ResultReceivedAt.Int64 - row.WorkerSentAt.Int64
			}
			if duration < 0 {
				duration = 0
			}
			return &Correlation{
				OriginalSOP: row.SOPUID,
				WorkerHost:  row.WorkerHost.String,
				WorkerAE:    row.WorkerAE.String,
				DurationMS:  duration,
			}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("queue: correlate: %w", err)
		}

		var pending int
		peek := s.db.Rebind(`SELECT COUNT(*) FROM queue_items
			WHERE study_uid = ? AND ai_status = 'pending' AND result_received_at IS NULL`)
		if err := s.db.Get(&pending, peek, studyUID); err != nil {
			return nil, fmt.Errorf("queue: correlate: %w", err)
		}
		if pending == 0 {
			return nil, nil
		}
	}
	return nil, nil
}

// Get fetches one record by id.
func (s *Store) Get(id int64) (*Item, error) {
	item := &Item{}
	q := s.db.Rebind(`SELECT ` + itemColumns + ` FROM queue_items WHERE id = ?`)
	err := s.db.Get(item, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get: %w", err)
	}
	return item, nil
}

// Counts returns the number of records per state. Used by the status
// CLI.
func (s *Store) Counts() (map[string]int, error) {
	rows := []struct {
		State string `db:"state"`
		Count int    `db:"count"`
	}{}
	q := s.db.Rebind(`SELECT state, COUNT(*) AS count FROM queue_items GROUP BY state`)
	if err := s.db.Select(&rows, q); err != nil {
		return nil, fmt.Errorf("queue: counts: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}

// StudyRows returns every record of a study, oldest first. Used by the
// status CLI.
func (s *Store) StudyRows(studyUID string) ([]Item, error) {
	var items []Item
	q := s.db.Rebind(`SELECT ` + itemColumns + ` FROM queue_items
		WHERE study_uid = ? ORDER BY created_at, id`)
	if err := s.db.Select(&items, q, studyUID); err != nil {
		return nil, fmt.Errorf("queue: study rows: %w", err)
	}
	return items, nil
}

func (s *Store) exec1(query string, args ...interface{}) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
