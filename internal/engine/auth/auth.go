// Package auth holds the role permission table for batch transitions. Role
// claims arrive already authenticated; this table is enforced regardless of
// what the caller asserts.
package auth

import (
	"fmt"

	"medledger/internal/domain"
)

// ForbiddenError indicates a valid credential whose role may not perform the
// requested transition.
type ForbiddenError struct {
	Role string
	From string
	To   string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not move a batch %s -> %s", e.Role, e.From, e.To)
}

// Allowed reports whether role may perform the from -> to transition. Graph
// legality is checked separately by the engine; this is purely the custody
// permission table. Admin may perform any transition and is the only role
// with edges out of UnderReview or into UnderReview, Recalled and Expired.
func Allowed(role, from, to string) bool {
	switch role {
	case domain.RoleAdmin:
		return true
	case domain.RoleManufacturer:
		return from == domain.StatusManufactured && to == domain.StatusInTransit
	case domain.RoleDistributor:
		return (from == domain.StatusInTransit && to == domain.StatusDelivered) ||
			(from == domain.StatusDelivered && to == domain.StatusInStock)
	case domain.RoleSupplier:
		// Custody transfers touching InStock: taking delivered stock in, and
		// returning stock to distribution.
		return (from == domain.StatusDelivered && to == domain.StatusInStock) ||
			(from == domain.StatusInStock && to == domain.StatusInTransit)
	case domain.RoleEnduser:
		return to == domain.StatusSold &&
			(from == domain.StatusDelivered || from == domain.StatusInStock)
	}
	return false
}

// CanCreate reports whether role may register new batches.
func CanCreate(role string) bool {
	return role == domain.RoleManufacturer || role == domain.RoleAdmin
}
