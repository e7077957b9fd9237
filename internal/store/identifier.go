package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/retcon/retcon/internal/diffop"
	"github.com/retcon/retcon/internal/document"
	"github.com/retcon/retcon/internal/model"
)

// nextCounter atomically increments and returns the named counter
// within an already-open transaction, via SQLite's UPSERT + RETURNING
// support, the same "INSERT ... ON CONFLICT DO UPDATE" idiom the
// teacher-pack sibling chalkan3/sloth-runner's state.Set uses.
func nextCounter(tx *sql.Tx, name string) (uint64, error) {
	var value uint64
	err := tx.QueryRow(`
		INSERT INTO counters (name, value) VALUES (?, 1)
		ON CONFLICT(name) DO UPDATE SET value = value + 1
		RETURNING value
	`, name).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// CreateInternalKey mints a fresh InternalKey for entity, per invariant
// that an internal key is created when a foreign key is first seen.
func (s *Store) CreateInternalKey(entity model.EntityName) (model.InternalKey, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return model.InternalKey{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := nextCounter(tx, "internal_key/"+string(entity))
	if err != nil {
		return model.InternalKey{}, fmt.Errorf("minting internal key: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO internal_keys (entity, id) VALUES (?, ?)`, string(entity), id); err != nil {
		return model.InternalKey{}, fmt.Errorf("inserting internal key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.InternalKey{}, fmt.Errorf("committing internal key: %w", err)
	}
	return model.InternalKey{Entity: entity, ID: id}, nil
}

// internalKeyExists reports whether key has a row, within tx.
func internalKeyExists(tx *sql.Tx, key model.InternalKey) (bool, error) {
	entity, id := ikArgs(key)
	var one int
	err := tx.QueryRow(`SELECT 1 FROM internal_keys WHERE entity = ? AND id = ?`, entity, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LookupInternal resolves a ForeignKey to its InternalKey, if any.
func (s *Store) LookupInternal(fk model.ForeignKey) (model.InternalKey, bool, error) {
	var id uint64
	err := s.db.QueryRow(`
		SELECT internal_id FROM foreign_keys WHERE entity = ? AND source = ? AND fid = ?
	`, string(fk.Entity), string(fk.Source), fk.ID).Scan(&id)
	if err == sql.ErrNoRows {
		return model.InternalKey{}, false, nil
	}
	if err != nil {
		return model.InternalKey{}, false, err
	}
	return model.InternalKey{Entity: fk.Entity, ID: id}, true, nil
}

// RecordForeign binds fk to ik. It is a Conflict error if (ik, fk.Source)
// is already bound to a different foreign key, per invariant 5's sibling
// rule in §4.3.
func (s *Store) RecordForeign(ik model.InternalKey, fk model.ForeignKey) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	exists, err := internalKeyExists(tx, ik)
	if err != nil {
		return err
	}
	if !exists {
		return &model.InvariantViolation{Reason: fmt.Sprintf("recordForeign: internal key %s does not exist", ik)}
	}

	var existingFID string
	err = tx.QueryRow(`
		SELECT fid FROM foreign_keys WHERE entity = ? AND internal_id = ? AND source = ?
	`, string(ik.Entity), ik.ID, string(fk.Source)).Scan(&existingFID)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(`
			INSERT INTO foreign_keys (entity, source, fid, internal_id) VALUES (?, ?, ?, ?)
		`, string(fk.Entity), string(fk.Source), fk.ID, ik.ID); err != nil {
			return err
		}
	case err != nil:
		return err
	case existingFID != fk.ID:
		return &model.Conflict{Reason: fmt.Sprintf(
			"internal key %s source %s already bound to foreign id %q, cannot bind %q",
			ik, fk.Source, existingFID, fk.ID)}
	default:
		// Idempotent re-record of the same binding.
	}

	return tx.Commit()
}

// LookupForeign returns the foreign key bound to (ik, source), if any.
func (s *Store) LookupForeign(ik model.InternalKey, source model.SourceName) (model.ForeignKey, bool, error) {
	var fid string
	err := s.db.QueryRow(`
		SELECT fid FROM foreign_keys WHERE entity = ? AND internal_id = ? AND source = ?
	`, string(ik.Entity), ik.ID, string(source)).Scan(&fid)
	if err == sql.ErrNoRows {
		return model.ForeignKey{}, false, nil
	}
	if err != nil {
		return model.ForeignKey{}, false, err
	}
	return model.ForeignKey{Entity: ik.Entity, Source: source, ID: fid}, true, nil
}

// DeleteInternal removes ik and cascades to its foreign keys, initial
// document, and diffs (with their ops), returning the number of
// foreign-key rows removed.
func (s *Store) DeleteInternal(ik model.InternalKey) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	entity, id := ikArgs(ik)

	res, err := tx.Exec(`DELETE FROM foreign_keys WHERE entity = ? AND internal_id = ?`, entity, id)
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`DELETE FROM initial_documents WHERE entity = ? AND id = ?`, entity, id); err != nil {
		return 0, err
	}

	rows, err := tx.Query(`SELECT diff_id FROM diffs WHERE entity = ? AND id = ?`, entity, id)
	if err != nil {
		return 0, err
	}
	var diffIDs []string
	for rows.Next() {
		var diffID string
		if err := rows.Scan(&diffID); err != nil {
			rows.Close()
			return 0, err
		}
		diffIDs = append(diffIDs, diffID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, diffID := range diffIDs {
		if _, err := tx.Exec(`DELETE FROM diff_ops WHERE diff_id = ?`, diffID); err != nil {
			return 0, err
		}
	}
	if _, err := tx.Exec(`DELETE FROM diffs WHERE entity = ? AND id = ?`, entity, id); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM internal_keys WHERE entity = ? AND id = ?`, entity, id); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(removed), nil
}

// PutInitial upserts the initial document for ik.
func (s *Store) PutInitial(ik model.InternalKey, doc *document.Document) error {
	encoded, err := json.Marshal(doc.AsMap())
	if err != nil {
		return fmt.Errorf("encoding initial document: %w", err)
	}
	entity, id := ikArgs(ik)
	_, err = s.db.Exec(`
		INSERT INTO initial_documents (entity, id, doc) VALUES (?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET doc = excluded.doc
	`, entity, id, encoded)
	return err
}

// GetInitial returns the stored initial document for ik, if any.
func (s *Store) GetInitial(ik model.InternalKey) (*document.Document, bool, error) {
	entity, id := ikArgs(ik)
	var raw []byte
	err := s.db.QueryRow(`SELECT doc FROM initial_documents WHERE entity = ? AND id = ?`, entity, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, fmt.Errorf("decoding initial document: %w", err)
	}
	return document.FromMap(m), true, nil
}

// PutDiff records diff against ik with each op tagged as accepted or
// not, and returns the server-assigned DiffID. Per invariant 4, the
// diff is only a live conflict (returned by ListConflicts) while at
// least one op remains unaccepted.
func (s *Store) PutDiff(ik model.InternalKey, diff diffop.Diff[diffop.Unit], acceptedMask []bool, newID func() string) (model.DiffID, error) {
	if len(acceptedMask) != len(diff.Ops) {
		return "", fmt.Errorf("acceptedMask length %d does not match %d ops", len(acceptedMask), len(diff.Ops))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	exists, err := internalKeyExists(tx, ik)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", &model.InvariantViolation{Reason: fmt.Sprintf("putDiff: internal key %s does not exist", ik)}
	}

	diffID := model.DiffID(newID())
	if _, err := tx.Exec(`
		INSERT INTO diffs (diff_id, entity, id) VALUES (?, ?, ?)
	`, string(diffID), string(ik.Entity), ik.ID); err != nil {
		return "", err
	}
	for i, op := range diff.Ops {
		opID := model.DiffOpID(newID())
		if _, err := tx.Exec(`
			INSERT INTO diff_ops (diff_id, op_id, seq, kind, path, value, accepted) VALUES (?, ?, ?, ?, ?, ?, ?)
		`, string(diffID), string(opID), i, string(op.Kind), op.Path.String(), op.Value, acceptedMask[i]); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return diffID, nil
}

func rowsForDiff(q querier, diffID string) ([]model.StoredOp, error) {
	rows, err := q.Query(`
		SELECT op_id, kind, path, value, accepted FROM diff_ops WHERE diff_id = ? ORDER BY seq ASC
	`, diffID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StoredOp
	for rows.Next() {
		var opID, kind, path, value string
		var accepted bool
		if err := rows.Scan(&opID, &kind, &path, &value, &accepted); err != nil {
			return nil, err
		}
		out = append(out, model.StoredOp{
			ID: model.DiffOpID(opID),
			Op: diffop.Op[diffop.Unit]{
				Kind:  diffop.Kind(kind),
				Path:  document.Path(splitDotted(path)),
				Value: value,
			},
			Accepted: accepted,
		})
	}
	return out, rows.Err()
}

// GetConflict returns the ConflictRecord for diffID, regardless of
// whether it is still open, along with the InternalKey it belongs to.
// It is used by the RPC server to validate a RESOLVE request before
// enqueuing the Apply work item.
func (s *Store) GetConflict(diffID model.DiffID) (model.ConflictRecord, model.InternalKey, bool, error) {
	var entity string
	var id uint64
	err := s.db.QueryRow(`SELECT entity, id FROM diffs WHERE diff_id = ?`, string(diffID)).Scan(&entity, &id)
	if err == sql.ErrNoRows {
		return model.ConflictRecord{}, model.InternalKey{}, false, nil
	}
	if err != nil {
		return model.ConflictRecord{}, model.InternalKey{}, false, err
	}

	ops, err := rowsForDiff(s.db, string(diffID))
	if err != nil {
		return model.ConflictRecord{}, model.InternalKey{}, false, err
	}
	ik := model.InternalKey{Entity: model.EntityName(entity), ID: id}
	return model.ConflictRecord{DiffID: diffID, Key: ik, Ops: ops}, ik, true, nil
}

// ListConflicts returns every open conflict: one ConflictRecord per
// diff that still has at least one unaccepted op.
func (s *Store) ListConflicts() ([]model.ConflictRecord, error) {
	rows, err := s.db.Query(`SELECT diff_id, entity, id FROM diffs ORDER BY diff_id ASC`)
	if err != nil {
		return nil, err
	}
	type diffRow struct {
		diffID string
		entity string
		id     uint64
	}
	var drows []diffRow
	for rows.Next() {
		var dr diffRow
		if err := rows.Scan(&dr.diffID, &dr.entity, &dr.id); err != nil {
			rows.Close()
			return nil, err
		}
		drows = append(drows, dr)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var out []model.ConflictRecord
	for _, dr := range drows {
		ops, err := rowsForDiff(s.db, dr.diffID)
		if err != nil {
			return nil, err
		}
		record := model.ConflictRecord{
			DiffID: model.DiffID(dr.diffID),
			Key:    model.InternalKey{Entity: model.EntityName(dr.entity), ID: dr.id},
			Ops:    ops,
		}
		if !record.IsResolved() {
			out = append(out, record)
		}
	}
	return out, nil
}

// MarkResolved accepts the given DiffOpIDs (which must all belong to
// diffID) and leaves the ConflictRecord resolved once every op is
// accepted. It is an error to name an op that does not belong to
// diffID, per invariant 5.
func (s *Store) MarkResolved(diffID model.DiffID, acceptedOpIDs []model.DiffOpID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT op_id FROM diff_ops WHERE diff_id = ?`, string(diffID))
	if err != nil {
		return err
	}
	var opIDs []string
	for rows.Next() {
		var opID string
		if err := rows.Scan(&opID); err != nil {
			rows.Close()
			return err
		}
		opIDs = append(opIDs, opID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if len(opIDs) == 0 {
		return &model.ConflictResolved{DiffID: diffID}
	}

	belongs := make(map[string]bool, len(opIDs))
	for _, opID := range opIDs {
		belongs[opID] = true
	}
	for _, opID := range acceptedOpIDs {
		if !belongs[string(opID)] {
			return fmt.Errorf("resolve: op %s does not belong to diff %s", opID, diffID)
		}
	}

	for _, opID := range acceptedOpIDs {
		if _, err := tx.Exec(`
			UPDATE diff_ops SET accepted = 1 WHERE diff_id = ? AND op_id = ?
		`, string(diffID), string(opID)); err != nil {
			return err
		}
	}

	return tx.Commit()
}
