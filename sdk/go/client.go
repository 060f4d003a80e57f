package medledgersdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Medledger HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Batch represents the API batch model.
type Batch struct {
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

// TransitionRecord is one custody chain entry.
type TransitionRecord struct {
	BatchID    string `json:"batch_id"`
	Seq        int64  `json:"seq"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role"`
	TS         string `json:"ts"`
	PrevHash   string `json:"prev_hash"`
	RecordHash string `json:"record_hash"`
}

// History is a batch's records plus the replayed integrity verdict.
type History struct {
	BatchID        string             `json:"batch_id"`
	Records        []TransitionRecord `json:"records"`
	ChainIntact    bool               `json:"chain_intact"`
	IntegrityIssue string             `json:"integrity_issue,omitempty"`
}

// VerifyResult is the outcome of checking an authenticity payload.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Reason  string `json:"reason,omitempty"`
	BatchID string `json:"batch_id,omitempty"`
	Status  string `json:"status,omitempty"`
}

// CreateBatchInput are the fields for registering a batch.
type CreateBatchInput struct {
	BatchID           string `json:"batch_id,omitempty"`
	MedicineName      string `json:"medicine_name"`
	ManufacturerID    string `json:"manufacturer_id,omitempty"`
	Quantity          int64  `json:"quantity"`
	ManufacturingDate string `json:"manufacturing_date"`
	ExpiryDate        string `json:"expiry_date"`
}

// APIError is the server's error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	base := strings.TrimRight(c.BaseURL, "/")
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(data, &envelope)
		return &APIError{
			StatusCode: res.StatusCode,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// CreateBatch registers a new batch.
func (c *Client) CreateBatch(ctx context.Context, input CreateBatchInput) (Batch, error) {
	var b Batch
	err := c.do(ctx, http.MethodPost, "/batches", input, &b)
	return b, err
}

// GetBatch fetches the registry snapshot for a batch.
func (c *Client) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	var b Batch
	err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID), nil, &b)
	return b, err
}

// RequestTransition moves a batch to targetStatus.
func (c *Client) RequestTransition(ctx context.Context, batchID, targetStatus string) (Batch, error) {
	var b Batch
	err := c.do(ctx, http.MethodPost, "/batches/"+url.PathEscape(batchID)+"/transitions",
		map[string]string{"target_status": targetStatus}, &b)
	return b, err
}

// GetHistory fetches the custody chain and its integrity verdict.
func (c *Client) GetHistory(ctx context.Context, batchID string) (History, error) {
	var h History
	err := c.do(ctx, http.MethodGet, "/batches/"+url.PathEscape(batchID)+"/history", nil, &h)
	return h, err
}

// Verify checks an authenticity payload.
func (c *Client) Verify(ctx context.Context, payload string) (VerifyResult, error) {
	var v VerifyResult
	err := c.do(ctx, http.MethodPost, "/verify", map[string]string{"payload": payload}, &v)
	return v, err
}

// ListByStatus returns batches in a given status.
func (c *Client) ListByStatus(ctx context.Context, status string) ([]Batch, error) {
	var items []Batch
	err := c.do(ctx, http.MethodGet, "/batches?status="+url.QueryEscape(status), nil, &items)
	return items, err
}
