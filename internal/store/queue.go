package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/retcon/retcon/internal/diffop"
	"github.com/retcon/retcon/internal/model"
)

// DefaultRetryCap is the number of abandon()s an item tolerates before
// it is dead-lettered, per §4.5.
const DefaultRetryCap = 5

// Lease identifies one dequeued item's exclusive hold on it. Complete
// or Abandon must be called with the Lease returned by Dequeue.
type Lease struct {
	Seq uint64
	ID  string
}

type queueItemRow struct {
	Seq           uint64
	Kind          string // "process" | "apply"
	Entity        string
	Source        string
	FID           string
	ApplyDiffID   string
	ApplyDiffJSON []byte
	Attempts      int
}

func encodeItem(item model.WorkItem) (queueItemRow, error) {
	switch item.Kind {
	case model.Process:
		n := item.Notification
		return queueItemRow{
			Kind: "process", Entity: string(n.Entity), Source: string(n.Source), FID: n.FID,
		}, nil
	case model.Apply:
		encoded, err := json.Marshal(item.Diff)
		if err != nil {
			return queueItemRow{}, fmt.Errorf("encoding apply diff: %w", err)
		}
		return queueItemRow{
			Kind: "apply", ApplyDiffID: string(item.DiffID), ApplyDiffJSON: encoded,
		}, nil
	default:
		return queueItemRow{}, fmt.Errorf("unknown work item kind %v", item.Kind)
	}
}

func decodeItem(row *queueItemRow) (model.WorkItem, error) {
	switch row.Kind {
	case "process":
		return model.WorkItem{
			Kind: model.Process,
			Notification: model.ChangeNotification{
				Entity: model.EntityName(row.Entity), Source: model.SourceName(row.Source), FID: row.FID,
			},
		}, nil
	case "apply":
		var diff diffop.Diff[diffop.Unit]
		if err := json.Unmarshal(row.ApplyDiffJSON, &diff); err != nil {
			return model.WorkItem{}, fmt.Errorf("decoding apply diff: %w", err)
		}
		return model.WorkItem{Kind: model.Apply, DiffID: model.DiffID(row.ApplyDiffID), Diff: diff}, nil
	default:
		return model.WorkItem{}, fmt.Errorf("corrupt queue row: unknown kind %q", row.Kind)
	}
}

// Enqueue appends item to the tail of the FIFO. Items are delivered in
// enqueue order relative to any other item for the same InternalKey;
// across different keys no ordering is promised, which a single global
// FIFO sequence trivially satisfies.
func (s *Store) Enqueue(item model.WorkItem) error {
	row, err := encodeItem(item)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq, err := nextCounter(tx, "queue/seq")
	if err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO queue_items (seq, kind, entity, source, fid, apply_diff_id, apply_diff_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, seq, row.Kind, row.Entity, row.Source, row.FID, row.ApplyDiffID, row.ApplyDiffJSON); err != nil {
		return err
	}
	return tx.Commit()
}

// Dequeue returns the oldest unleased item and a Lease hiding it from
// other consumers for leaseFor. It returns ok=false if the queue is
// empty; callers poll or block externally up to their own bounded
// interval, mirroring the teacher's eventChan/stopChan select loop.
func (s *Store) Dequeue(leaseFor time.Duration, newLeaseID func() string) (model.WorkItem, Lease, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return model.WorkItem{}, Lease{}, false, err
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	var row queueItemRow
	err = tx.QueryRow(`
		SELECT seq, kind, entity, source, fid, apply_diff_id, apply_diff_json, attempts
		FROM queue_items
		WHERE lease_id = '' OR lease_expires_at <= ?
		ORDER BY seq ASC LIMIT 1
	`, now).Scan(&row.Seq, &row.Kind, &row.Entity, &row.Source, &row.FID, &row.ApplyDiffID, &row.ApplyDiffJSON, &row.Attempts)
	if err == sql.ErrNoRows {
		return model.WorkItem{}, Lease{}, false, nil
	}
	if err != nil {
		return model.WorkItem{}, Lease{}, false, err
	}

	item, err := decodeItem(&row)
	if err != nil {
		return model.WorkItem{}, Lease{}, false, err
	}

	leaseID := newLeaseID()
	expiresAt := now + leaseFor.Nanoseconds()
	if _, err := tx.Exec(`
		UPDATE queue_items SET lease_id = ?, lease_expires_at = ? WHERE seq = ?
	`, leaseID, expiresAt, row.Seq); err != nil {
		return model.WorkItem{}, Lease{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.WorkItem{}, Lease{}, false, err
	}
	return item, Lease{Seq: row.Seq, ID: leaseID}, true, nil
}

// Complete removes a successfully processed item from the queue.
func (s *Store) Complete(lease Lease) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var leaseID string
	err = tx.QueryRow(`SELECT lease_id FROM queue_items WHERE seq = ?`, lease.Seq).Scan(&leaseID)
	if err == sql.ErrNoRows {
		return nil // already completed or lease expired and reclaimed
	}
	if err != nil {
		return err
	}
	if leaseID != lease.ID {
		return nil // lease has since expired and been reclaimed
	}
	if _, err := tx.Exec(`DELETE FROM queue_items WHERE seq = ?`, lease.Seq); err != nil {
		return err
	}
	return tx.Commit()
}

// Abandon returns the leased item to the queue with an incremented
// attempt counter. Once attempts reaches retryCap, the item moves to
// the dead-letter table instead and requeued reports false. requeued is
// also false, with a nil error, when the lease is no longer current.
func (s *Store) Abandon(lease Lease, retryCap int, reason string) (requeued bool, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var row queueItemRow
	var leaseID string
	err = tx.QueryRow(`
		SELECT seq, kind, entity, source, fid, apply_diff_id, apply_diff_json, attempts, lease_id
		FROM queue_items WHERE seq = ?
	`, lease.Seq).Scan(&row.Seq, &row.Kind, &row.Entity, &row.Source, &row.FID,
		&row.ApplyDiffID, &row.ApplyDiffJSON, &row.Attempts, &leaseID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if leaseID != lease.ID {
		return false, nil // lease has since expired and been reclaimed
	}

	attempts := row.Attempts + 1
	if attempts >= retryCap {
		if _, err := tx.Exec(`
			INSERT INTO dead_letters (seq, kind, entity, source, fid, attempts, reason) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, row.Seq, row.Kind, row.Entity, row.Source, row.FID, attempts, reason); err != nil {
			return false, err
		}
		if _, err := tx.Exec(`DELETE FROM queue_items WHERE seq = ?`, row.Seq); err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := tx.Exec(`
		UPDATE queue_items SET attempts = ?, lease_id = '', lease_expires_at = 0 WHERE seq = ?
	`, attempts, row.Seq); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// DeadLetter is a read-only projection of a dead-lettered queue item.
type DeadLetter struct {
	Entity   model.EntityName
	Source   model.SourceName
	FID      string
	Attempts int
	Reason   string
}

// DeadLetters lists every dead-lettered item, for operator triage
// (retcon-oneshot --dead-letters).
func (s *Store) DeadLetters() ([]DeadLetter, error) {
	rows, err := s.db.Query(`
		SELECT entity, source, fid, attempts, reason FROM dead_letters ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var entity, source string
		var dl DeadLetter
		if err := rows.Scan(&entity, &source, &dl.FID, &dl.Attempts, &dl.Reason); err != nil {
			return nil, err
		}
		dl.Entity = model.EntityName(entity)
		dl.Source = model.SourceName(source)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// QueueDepth reports the number of items currently queued, used by
// metrics gauges.
func (s *Store) QueueDepth() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_items`).Scan(&n)
	return n, err
}
