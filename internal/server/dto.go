package server

import (
	"medledger/internal/domain"
)

// Request payloads

type CreateBatchRequest struct {
	BatchID           *string `json:"batch_id,omitempty"`
	MedicineName      string  `json:"medicine_name"`
	ManufacturerID    *string `json:"manufacturer_id,omitempty"`
	Quantity          int64   `json:"quantity"`
	ManufacturingDate string  `json:"manufacturing_date" format:"date"`
	ExpiryDate        string  `json:"expiry_date" format:"date"`
}

type TransitionRequest struct {
	TargetStatus string `json:"target_status" enum:"Manufactured,InTransit,Delivered,InStock,Sold,Expired,Recalled,UnderReview"`
}

type VerifyRequest struct {
	Payload string `json:"payload"`
}

type CreateActorRequest struct {
	ID    string  `json:"id"`
	Role  string  `json:"role" enum:"admin,manufacturer,supplier,distributor,enduser"`
	Name  *string `json:"name,omitempty"`
	Email *string `json:"email,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type BatchResponse struct {
	BatchID               string  `json:"batch_id"`
	MedicineName          string  `json:"medicine_name"`
	ManufacturerID        string  `json:"manufacturer_id"`
	Quantity              int64   `json:"quantity"`
	ManufacturingDate     string  `json:"manufacturing_date"`
	ExpiryDate            string  `json:"expiry_date"`
	Status                string  `json:"status"`
	AssignedSupplierID    *string `json:"assigned_supplier_id,omitempty"`
	AssignedDistributorID *string `json:"assigned_distributor_id,omitempty"`
	VerificationToken     string  `json:"verification_token"`
	ChainHead             string  `json:"chain_head"`
	Version               int64   `json:"version"`
	CreatedAt             string  `json:"created_at"`
}

type VerifyResponse struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

type ActorResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

type APIKeyIssueResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Key     string `json:"key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func batchResponse(b domain.Batch) BatchResponse {
	return BatchResponse{
		BatchID:               b.BatchID,
		MedicineName:          b.MedicineName,
		ManufacturerID:        b.ManufacturerID,
		Quantity:              b.Quantity,
		ManufacturingDate:     b.ManufacturingDate,
		ExpiryDate:            b.ExpiryDate,
		Status:                b.Status,
		AssignedSupplierID:    b.AssignedSupplierID,
		AssignedDistributorID: b.AssignedDistributorID,
		VerificationToken:     b.VerificationToken,
		ChainHead:             b.ChainHead,
		Version:               b.Version,
		CreatedAt:             b.CreatedAt,
	}
}

func mapBatches(items []domain.Batch) []BatchResponse {
	res := make([]BatchResponse, 0, len(items))
	for _, b := range items {
		res = append(res, batchResponse(b))
	}
	return res
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:        a.ID,
		Role:      a.Role,
		Name:      a.Name,
		Email:     a.Email,
		Active:    a.Active,
		CreatedAt: a.CreatedAt,
	}
}

func mapActors(items []domain.Actor) []ActorResponse {
	res := make([]ActorResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actorResponse(a))
	}
	return res
}
