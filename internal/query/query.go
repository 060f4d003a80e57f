// Package query reconstructs batch state and custody history. It only reads,
// and it never trusts the registry's chain head without replaying the chain.
package query

import (
	"context"
	"errors"
	"fmt"

	"medledger/internal/chain"
	"medledger/internal/domain"
	"medledger/internal/repo"
)

type Service struct {
	Repo  repo.Repo
	Chain chain.Store
}

// History is a batch's full custody trail plus the replay verdict. A fresh
// read always replays from genesis; the verdict is never cached.
type History struct {
	BatchID        string                    `json:"batch_id"`
	Records        []domain.TransitionRecord `json:"records"`
	ChainIntact    bool                      `json:"chain_intact"`
	IntegrityIssue string                    `json:"integrity_issue,omitempty"`
}

// GetBatch returns the current registry snapshot.
func (s Service) GetBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	return s.Repo.GetBatch(ctx, batchID)
}

// GetHistory returns the ordered transition records together with an
// integrity verdict. A broken chain is reported in the verdict, not masked
// and not silently downgraded.
func (s Service) GetHistory(ctx context.Context, batchID string) (History, error) {
	b, err := s.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return History{}, err
	}
	records, err := s.Chain.ReplayAndVerify(ctx, batchID, b.ChainHead)
	h := History{BatchID: batchID, Records: records, ChainIntact: err == nil}
	if err != nil {
		var ie chain.IntegrityError
		if !errors.As(err, &ie) {
			return History{}, err
		}
		h.IntegrityIssue = ie.Error()
	}
	return h, nil
}

// ListByStatus returns registry snapshots in the given status.
func (s Service) ListByStatus(ctx context.Context, status string) ([]domain.Batch, error) {
	if !domain.KnownStatus(status) {
		return nil, fmt.Errorf("unknown status %s", status)
	}
	return s.Repo.ListBatchesByStatus(ctx, status)
}

// ListByActor returns batches manufactured or held by the actor.
func (s Service) ListByActor(ctx context.Context, actorID string) ([]domain.Batch, error) {
	return s.Repo.ListBatchesByActor(ctx, actorID)
}
