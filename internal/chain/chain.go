package chain

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"medledger/internal/domain"
)

// GenesisHash is the prev_hash of every batch's first record.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IntegrityError reports the first divergent record found while replaying a
// batch's chain, or a stale chain head.
type IntegrityError struct {
	BatchID string
	Seq     int64
	Reason  string
}

func (e IntegrityError) Error() string {
	return fmt.Sprintf("chain integrity violation for batch %s at record %d: %s", e.BatchID, e.Seq, e.Reason)
}

// HashRecord computes the digest binding a record to its predecessor. The
// fields and their order are fixed; changing either breaks every stored chain.
func HashRecord(prevHash, batchID, fromStatus, toStatus, actorID, ts string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{prevHash, batchID, fromStatus, toStatus, actorID, ts}, "|")))
	return hex.EncodeToString(sum[:])
}

// Store reads and appends per-batch transition records.
type Store struct {
	DB *sql.DB
}

// Append writes one record inside the caller's transaction. It is only called
// from the registry's commit section so a record can never land without the
// matching batch row update.
func (s Store) Append(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) error {
	if rec.RecordHash != HashRecord(rec.PrevHash, rec.BatchID, rec.FromStatus, rec.ToStatus, rec.ActorID, rec.Timestamp) {
		return IntegrityError{BatchID: rec.BatchID, Seq: rec.Seq, Reason: "record hash does not match fields"}
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO transitions(batch_id,seq,from_status,to_status,actor_id,actor_role,ts,prev_hash,record_hash) VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.BatchID, rec.Seq, rec.FromStatus, rec.ToStatus, rec.ActorID, rec.ActorRole, rec.Timestamp, rec.PrevHash, rec.RecordHash)
	return err
}

// Records returns a batch's full chain ordered from genesis.
func (s Store) Records(ctx context.Context, batchID string) ([]domain.TransitionRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT batch_id,seq,from_status,to_status,actor_id,actor_role,ts,prev_hash,record_hash FROM transitions WHERE batch_id=? ORDER BY seq`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		if err := rows.Scan(&rec.BatchID, &rec.Seq, &rec.FromStatus, &rec.ToStatus, &rec.ActorID, &rec.ActorRole, &rec.Timestamp, &rec.PrevHash, &rec.RecordHash); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RecordsAfter returns committed records past the given rowid cursor, oldest
// first. Used by the webhook dispatcher.
func (s Store) RecordsAfter(ctx context.Context, limit int, after int64) ([]domain.TransitionRecord, []int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT rowid,batch_id,seq,from_status,to_status,actor_id,actor_role,ts,prev_hash,record_hash FROM transitions WHERE rowid>? ORDER BY rowid LIMIT ?`, after, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var records []domain.TransitionRecord
	var cursors []int64
	for rows.Next() {
		var rec domain.TransitionRecord
		var rowid int64
		if err := rows.Scan(&rowid, &rec.BatchID, &rec.Seq, &rec.FromStatus, &rec.ToStatus, &rec.ActorID, &rec.ActorRole, &rec.Timestamp, &rec.PrevHash, &rec.RecordHash); err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
		cursors = append(cursors, rowid)
	}
	return records, cursors, rows.Err()
}

// LatestCursor returns the rowid of the newest committed record.
func (s Store) LatestCursor(ctx context.Context) (int64, error) {
	var cur sql.NullInt64
	if err := s.DB.QueryRowContext(ctx, `SELECT MAX(rowid) FROM transitions`).Scan(&cur); err != nil {
		return 0, err
	}
	return cur.Int64, nil
}

// VerifyRecords recomputes every record hash from genesis and checks the
// prev_hash linkage plus the registry's chain head. Pure; no I/O.
func VerifyRecords(batchID string, records []domain.TransitionRecord, chainHead string) error {
	if len(records) == 0 {
		return IntegrityError{BatchID: batchID, Seq: 0, Reason: "no genesis record"}
	}
	prev := GenesisHash
	for i, rec := range records {
		if rec.Seq != int64(i) {
			return IntegrityError{BatchID: batchID, Seq: rec.Seq, Reason: fmt.Sprintf("sequence gap: expected %d", i)}
		}
		if rec.PrevHash != prev {
			return IntegrityError{BatchID: batchID, Seq: rec.Seq, Reason: "prev_hash does not match preceding record"}
		}
		computed := HashRecord(rec.PrevHash, rec.BatchID, rec.FromStatus, rec.ToStatus, rec.ActorID, rec.Timestamp)
		if computed != rec.RecordHash {
			return IntegrityError{BatchID: batchID, Seq: rec.Seq, Reason: "record hash does not recompute from fields"}
		}
		prev = rec.RecordHash
	}
	if prev != chainHead {
		return IntegrityError{BatchID: batchID, Seq: records[len(records)-1].Seq, Reason: "chain head does not match latest record"}
	}
	return nil
}

// ReplayAndVerify loads a batch's chain and verifies it against the stored
// chain head. Returns the records so callers can render history without a
// second read.
func (s Store) ReplayAndVerify(ctx context.Context, batchID, chainHead string) ([]domain.TransitionRecord, error) {
	records, err := s.Records(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if err := VerifyRecords(batchID, records, chainHead); err != nil {
		return records, err
	}
	return records, nil
}
