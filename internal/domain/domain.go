package domain

// Batch statuses. Sold, Expired and Recalled are terminal.
const (
	StatusManufactured = "Manufactured"
	StatusInTransit    = "InTransit"
	StatusDelivered    = "Delivered"
	StatusInStock      = "InStock"
	StatusSold         = "Sold"
	StatusExpired      = "Expired"
	StatusRecalled     = "Recalled"
	StatusUnderReview  = "UnderReview"
)

// Actor roles. Fixed at actor creation.
const (
	RoleAdmin        = "admin"
	RoleManufacturer = "manufacturer"
	RoleSupplier     = "supplier"
	RoleDistributor  = "distributor"
	RoleEnduser      = "enduser"
)

// Statuses lists every known batch status.
func Statuses() []string {
	return []string{
		StatusManufactured, StatusInTransit, StatusDelivered, StatusInStock,
		StatusSold, StatusExpired, StatusRecalled, StatusUnderReview,
	}
}

// Roles lists every known actor role.
func Roles() []string {
	return []string{RoleAdmin, RoleManufacturer, RoleSupplier, RoleDistributor, RoleEnduser}
}

// KnownStatus reports whether s is a defined batch status.
func KnownStatus(s string) bool {
	for _, known := range Statuses() {
		if s == known {
			return true
		}
	}
	return false
}

// KnownRole reports whether r is a defined actor role.
func KnownRole(r string) bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether a batch in status s accepts no further transitions.
func TerminalStatus(s string) bool {
	return s == StatusSold || s == StatusExpired || s == StatusRecalled
}

type Batch struct {
	BatchID               string  `json:"batch_id"`
	MedicineName          string  `json:"medicine_name"`
	ManufacturerID        string  `json:"manufacturer_id"`
	Quantity              int64   `json:"quantity"`
	ManufacturingDate     string  `json:"manufacturing_date" format:"date"`
	ExpiryDate            string  `json:"expiry_date" format:"date"`
	Status                string  `json:"status" enum:"Manufactured,InTransit,Delivered,InStock,Sold,Expired,Recalled,UnderReview"`
	AssignedSupplierID    *string `json:"assigned_supplier_id,omitempty"`
	AssignedDistributorID *string `json:"assigned_distributor_id,omitempty"`
	VerificationToken     string  `json:"verification_token"`
	ChainHead             string  `json:"chain_head"`
	Version               int64   `json:"version"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
}

type Actor struct {
	ID        string `json:"id"`
	Role      string `json:"role" enum:"admin,manufacturer,supplier,distributor,enduser"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TransitionRecord is one link of a batch's provenance chain. Immutable once
// written; Seq equals the batch version the record committed.
type TransitionRecord struct {
	BatchID    string `json:"batch_id"`
	Seq        int64  `json:"seq"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	ActorRole  string `json:"actor_role"`
	Timestamp  string `json:"ts" format:"date-time"`
	PrevHash   string `json:"prev_hash"`
	RecordHash string `json:"record_hash"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
