package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"medledger/internal/chain"
	"medledger/internal/domain"
)

var ErrNotFound = errors.New("not found")

// DuplicateIDError indicates an identifier that is already assigned.
type DuplicateIDError struct {
	ID string
}

func (e DuplicateIDError) Error() string {
	return fmt.Sprintf("id %s already exists", e.ID)
}

// ConflictError indicates a lost optimistic-concurrency race: the stored
// version moved past the one the caller read. Always recoverable by
// re-reading and retrying.
type ConflictError struct {
	BatchID         string
	ExpectedVersion int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("batch %s version is no longer %d; re-read and retry", e.BatchID, e.ExpectedVersion)
}

// Repo is the batch registry. Commit is the only mutation path for batches;
// the provenance chain is written inside the same transaction.
type Repo struct {
	DB    *sql.DB
	Chain chain.Store
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const batchColumns = `batch_id,medicine_name,manufacturer_id,quantity,manufacturing_date,expiry_date,status,assigned_supplier_id,assigned_distributor_id,verification_token,chain_head,version,created_at`

func scanBatch(scan func(dest ...any) error) (domain.Batch, error) {
	var b domain.Batch
	var supplier, distributor sql.NullString
	err := scan(&b.BatchID, &b.MedicineName, &b.ManufacturerID, &b.Quantity, &b.ManufacturingDate, &b.ExpiryDate,
		&b.Status, &supplier, &distributor, &b.VerificationToken, &b.ChainHead, &b.Version, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if supplier.Valid {
		b.AssignedSupplierID = &supplier.String
	}
	if distributor.Valid {
		b.AssignedDistributorID = &distributor.String
	}
	return b, err
}

// CreateBatch inserts a new batch together with its genesis chain record.
// The two writes share one transaction so a batch can never exist without a
// chain and vice versa.
func (r Repo) CreateBatch(ctx context.Context, b domain.Batch, genesis domain.TransitionRecord) (domain.Batch, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO batches(`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.BatchID, b.MedicineName, b.ManufacturerID, b.Quantity, b.ManufacturingDate, b.ExpiryDate,
		b.Status, nullable(strPtr(b.AssignedSupplierID)), nullable(strPtr(b.AssignedDistributorID)),
		b.VerificationToken, b.ChainHead, b.Version, b.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Batch{}, DuplicateIDError{ID: b.BatchID}
		}
		return domain.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	if err := r.Chain.Append(ctx, tx, genesis); err != nil {
		return domain.Batch{}, fmt.Errorf("append genesis record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// GetBatch returns the current registry snapshot for a batch.
func (r Repo) GetBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id=?`, batchID)
	return scanBatch(row.Scan)
}

// Commit applies a transition atomically: the batch row is replaced only if
// its stored version still equals expectedVersion, and the new chain record
// is appended in the same transaction. A lost race returns ConflictError and
// leaves state untouched.
func (r Repo) Commit(ctx context.Context, batchID string, expectedVersion int64, next domain.Batch, rec domain.TransitionRecord) (domain.Batch, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE batches SET status=?,assigned_supplier_id=?,assigned_distributor_id=?,chain_head=?,version=? WHERE batch_id=? AND version=?`,
		next.Status, nullable(strPtr(next.AssignedSupplierID)), nullable(strPtr(next.AssignedDistributorID)),
		next.ChainHead, next.Version, batchID, expectedVersion)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("update batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Batch{}, err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM batches WHERE batch_id=?`, batchID).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return domain.Batch{}, ErrNotFound
			}
			return domain.Batch{}, err
		}
		return domain.Batch{}, ConflictError{BatchID: batchID, ExpectedVersion: expectedVersion}
	}
	if err := r.Chain.Append(ctx, tx, rec); err != nil {
		return domain.Batch{}, fmt.Errorf("append transition record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return next, nil
}

// ListBatchesByStatus returns registry snapshots filtered by status.
func (r Repo) ListBatchesByStatus(ctx context.Context, status string) ([]domain.Batch, error) {
	return r.listBatches(ctx, `SELECT `+batchColumns+` FROM batches WHERE status=? ORDER BY created_at DESC`, status)
}

// ListBatchesByActor returns batches an actor manufactured or currently
// holds as assigned supplier or distributor.
func (r Repo) ListBatchesByActor(ctx context.Context, actorID string) ([]domain.Batch, error) {
	return r.listBatches(ctx, `SELECT `+batchColumns+` FROM batches WHERE manufacturer_id=? OR assigned_supplier_id=? OR assigned_distributor_id=? ORDER BY created_at DESC`,
		actorID, actorID, actorID)
}

// ListBatches returns every registry snapshot, newest first.
func (r Repo) ListBatches(ctx context.Context) ([]domain.Batch, error) {
	return r.listBatches(ctx, `SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC`)
}

func (r Repo) listBatches(ctx context.Context, query string, args ...any) ([]domain.Batch, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func strPtr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
