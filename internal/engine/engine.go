package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medledger/internal/chain"
	"medledger/internal/config"
	"medledger/internal/domain"
	"medledger/internal/engine/auth"
	"medledger/internal/repo"
	"medledger/internal/verify"
)

// ValidationError indicates a malformed input field, rejected before any
// state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidTransitionError indicates a requested edge that does not exist in
// the state graph.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("no transition %s -> %s", e.From, e.To)
}

// transitions is the batch status graph. Terminal statuses have no entry.
var transitions = map[string][]string{
	domain.StatusManufactured: {domain.StatusInTransit, domain.StatusUnderReview, domain.StatusRecalled, domain.StatusExpired},
	domain.StatusInTransit:    {domain.StatusDelivered, domain.StatusUnderReview, domain.StatusRecalled, domain.StatusExpired},
	domain.StatusDelivered:    {domain.StatusSold, domain.StatusInStock, domain.StatusUnderReview, domain.StatusRecalled, domain.StatusExpired},
	domain.StatusInStock:      {domain.StatusSold, domain.StatusInTransit, domain.StatusUnderReview, domain.StatusRecalled, domain.StatusExpired},
	domain.StatusUnderReview:  {domain.StatusInTransit, domain.StatusDelivered, domain.StatusInStock, domain.StatusRecalled, domain.StatusExpired},
}

func edgeExists(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Engine validates and applies batch status changes. All mutations flow
// through the registry's atomic commit; token minting and hashing happen
// outside the commit section.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Chain  chain.Store
	Minter verify.Minter
	Config *config.Config
	Now    func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	st := chain.Store{DB: conn}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn, Chain: st},
		Chain:  st,
		Minter: verify.Minter{Secret: []byte(cfg.Verification.Secret)},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateBatchOptions are parameters for registering a batch.
type CreateBatchOptions struct {
	BatchID           string
	MedicineName      string
	ManufacturerID    string
	Quantity          int64
	ManufacturingDate string
	ExpiryDate        string
}

const dateLayout = "2006-01-02"

func (opts *CreateBatchOptions) validate(actor domain.Actor) error {
	if opts.MedicineName == "" {
		return ValidationError{Field: "medicine_name", Reason: "required"}
	}
	if opts.Quantity <= 0 {
		return ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if opts.ManufacturerID == "" {
		if actor.Role == domain.RoleManufacturer {
			opts.ManufacturerID = actor.ID
		} else {
			return ValidationError{Field: "manufacturer_id", Reason: "required"}
		}
	}
	mfg, err := time.Parse(dateLayout, opts.ManufacturingDate)
	if err != nil {
		return ValidationError{Field: "manufacturing_date", Reason: "expected YYYY-MM-DD"}
	}
	exp, err := time.Parse(dateLayout, opts.ExpiryDate)
	if err != nil {
		return ValidationError{Field: "expiry_date", Reason: "expected YYYY-MM-DD"}
	}
	if !exp.After(mfg) {
		return ValidationError{Field: "expiry_date", Reason: "must be after manufacturing_date"}
	}
	return nil
}

// CreateBatch registers a batch at version 0 with status Manufactured, mints
// its verification token and writes the genesis chain record.
func (e Engine) CreateBatch(ctx context.Context, opts CreateBatchOptions, actor domain.Actor) (domain.Batch, error) {
	if !auth.CanCreate(actor.Role) {
		return domain.Batch{}, auth.ForbiddenError{Role: actor.Role, From: "", To: domain.StatusManufactured}
	}
	if err := opts.validate(actor); err != nil {
		return domain.Batch{}, err
	}
	batchID := opts.BatchID
	if batchID == "" {
		batchID = "BAT-" + uuid.NewString()
	}
	token, err := e.Minter.Mint(batchID, opts.ManufacturerID, opts.ManufacturingDate)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("mint verification token: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	genesis := domain.TransitionRecord{
		BatchID:    batchID,
		Seq:        0,
		FromStatus: "",
		ToStatus:   domain.StatusManufactured,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Timestamp:  now,
		PrevHash:   chain.GenesisHash,
	}
	genesis.RecordHash = chain.HashRecord(genesis.PrevHash, genesis.BatchID, genesis.FromStatus, genesis.ToStatus, genesis.ActorID, genesis.Timestamp)
	b := domain.Batch{
		BatchID:           batchID,
		MedicineName:      opts.MedicineName,
		ManufacturerID:    opts.ManufacturerID,
		Quantity:          opts.Quantity,
		ManufacturingDate: opts.ManufacturingDate,
		ExpiryDate:        opts.ExpiryDate,
		Status:            domain.StatusManufactured,
		VerificationToken: token,
		ChainHead:         genesis.RecordHash,
		Version:           0,
		CreatedAt:         now,
	}
	return e.Repo.CreateBatch(ctx, b, genesis)
}

// RequestTransition moves a batch to targetStatus on behalf of actor.
// Permission is checked before graph legality, so an unauthorized caller
// learns nothing about which edges exist. A lost version race surfaces as
// repo.ConflictError; the engine never retries on the caller's behalf.
func (e Engine) RequestTransition(ctx context.Context, batchID, targetStatus string, actor domain.Actor) (domain.Batch, error) {
	if !domain.KnownStatus(targetStatus) {
		return domain.Batch{}, ValidationError{Field: "target_status", Reason: "unknown status"}
	}
	b, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	if domain.TerminalStatus(b.Status) {
		// Terminal states report the same error to every role, admin included.
		return domain.Batch{}, InvalidTransitionError{From: b.Status, To: targetStatus}
	}
	if !auth.Allowed(actor.Role, b.Status, targetStatus) {
		return domain.Batch{}, auth.ForbiddenError{Role: actor.Role, From: b.Status, To: targetStatus}
	}
	if !edgeExists(b.Status, targetStatus) {
		return domain.Batch{}, InvalidTransitionError{From: b.Status, To: targetStatus}
	}

	rec := domain.TransitionRecord{
		BatchID:    batchID,
		Seq:        b.Version + 1,
		FromStatus: b.Status,
		ToStatus:   targetStatus,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Timestamp:  e.now().UTC().Format(time.RFC3339),
		PrevHash:   b.ChainHead,
	}
	rec.RecordHash = chain.HashRecord(rec.PrevHash, rec.BatchID, rec.FromStatus, rec.ToStatus, rec.ActorID, rec.Timestamp)

	next := b
	next.Status = targetStatus
	next.Version = b.Version + 1
	next.ChainHead = rec.RecordHash
	assignCustody(&next, actor)

	return e.Repo.Commit(ctx, batchID, b.Version, next, rec)
}

// assignCustody records which supplier or distributor took the batch.
func assignCustody(b *domain.Batch, actor domain.Actor) {
	switch actor.Role {
	case domain.RoleSupplier:
		id := actor.ID
		b.AssignedSupplierID = &id
	case domain.RoleDistributor:
		id := actor.ID
		b.AssignedDistributorID = &id
	}
}

// VerifyToken checks an authenticity payload: MAC first, then a cross-check
// of the decoded claims against the registry's current record. Stateless and
// side-effect-free.
func (e Engine) VerifyToken(ctx context.Context, payload string) (verify.TokenClaims, domain.Batch, error) {
	claims, err := e.Minter.Verify(payload)
	if err != nil {
		return verify.TokenClaims{}, domain.Batch{}, err
	}
	b, err := e.Repo.GetBatch(ctx, claims.BatchID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return claims, domain.Batch{}, verify.IntegrityError{BatchID: claims.BatchID, Reason: "token refers to no registered batch"}
		}
		return claims, domain.Batch{}, err
	}
	if b.ManufacturerID != claims.ManufacturerID || b.ManufacturingDate != claims.ManufacturingDate {
		return claims, domain.Batch{}, verify.IntegrityError{BatchID: claims.BatchID, Reason: "token fields do not match registry"}
	}
	return claims, b, nil
}
