package auth_test

import (
	"testing"

	"medledger/internal/domain"
	"medledger/internal/engine/auth"
)

func TestAllowedTable(t *testing.T) {
	cases := []struct {
		role, from, to string
		want           bool
	}{
		{domain.RoleAdmin, domain.StatusManufactured, domain.StatusRecalled, true},
		{domain.RoleAdmin, domain.StatusUnderReview, domain.StatusInTransit, true},
		{domain.RoleManufacturer, domain.StatusManufactured, domain.StatusInTransit, true},
		{domain.RoleManufacturer, domain.StatusInTransit, domain.StatusDelivered, false},
		{domain.RoleManufacturer, domain.StatusManufactured, domain.StatusRecalled, false},
		{domain.RoleDistributor, domain.StatusInTransit, domain.StatusDelivered, true},
		{domain.RoleDistributor, domain.StatusDelivered, domain.StatusInStock, true},
		{domain.RoleDistributor, domain.StatusManufactured, domain.StatusInTransit, false},
		{domain.RoleSupplier, domain.StatusDelivered, domain.StatusInStock, true},
		{domain.RoleSupplier, domain.StatusInStock, domain.StatusInTransit, true},
		{domain.RoleSupplier, domain.StatusInStock, domain.StatusSold, false},
		{domain.RoleEnduser, domain.StatusDelivered, domain.StatusSold, true},
		{domain.RoleEnduser, domain.StatusInStock, domain.StatusSold, true},
		{domain.RoleEnduser, domain.StatusInTransit, domain.StatusSold, false},
		{domain.RoleEnduser, domain.StatusDelivered, domain.StatusRecalled, false},
		{"unknown", domain.StatusManufactured, domain.StatusInTransit, false},
	}
	for _, tc := range cases {
		if got := auth.Allowed(tc.role, tc.from, tc.to); got != tc.want {
			t.Errorf("Allowed(%s, %s, %s) = %v, want %v", tc.role, tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNonAdminNeverMovesOutOfReview(t *testing.T) {
	for _, role := range []string{domain.RoleManufacturer, domain.RoleSupplier, domain.RoleDistributor, domain.RoleEnduser} {
		for _, to := range domain.Statuses() {
			if auth.Allowed(role, domain.StatusUnderReview, to) {
				t.Errorf("role %s may not release a batch under review to %s", role, to)
			}
		}
	}
}

func TestCanCreate(t *testing.T) {
	for _, tc := range []struct {
		role string
		want bool
	}{
		{domain.RoleAdmin, true},
		{domain.RoleManufacturer, true},
		{domain.RoleSupplier, false},
		{domain.RoleDistributor, false},
		{domain.RoleEnduser, false},
	} {
		if got := auth.CanCreate(tc.role); got != tc.want {
			t.Errorf("CanCreate(%s) = %v, want %v", tc.role, got, tc.want)
		}
	}
}
