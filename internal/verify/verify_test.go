package verify

import (
	"errors"
	"strings"
	"testing"
)

func TestMintVerifyRoundTrip(t *testing.T) {
	m := Minter{Secret: []byte("test-secret")}
	payload, err := m.Mint("BAT-1", "MFR-1", "2024-02-01")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	claims, err := m.Verify(payload)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.BatchID != "BAT-1" || claims.ManufacturerID != "MFR-1" || claims.ManufacturingDate != "2024-02-01" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestMintIsDeterministic(t *testing.T) {
	m := Minter{Secret: []byte("test-secret")}
	a, err := m.Mint("BAT-1", "MFR-1", "2024-02-01")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Mint("BAT-1", "MFR-1", "2024-02-01")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("token must be a pure function of batch fields and secret")
	}
}

func TestVerifyRejectsEveryMACBitFlip(t *testing.T) {
	m := Minter{Secret: []byte("test-secret")}
	payload, err := m.Mint("BAT-1", "MFR-1", "2024-02-01")
	if err != nil {
		t.Fatal(err)
	}
	dot := strings.LastIndex(payload, ".")
	mac := payload[dot+1:]
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	for i := 0; i < len(mac); i++ {
		for _, c := range []byte(alphabet) {
			if mac[i] == c {
				continue
			}
			flipped := payload[:dot+1] + mac[:i] + string(c) + mac[i+1:]
			if _, err := m.Verify(flipped); err == nil {
				t.Fatalf("altered MAC at position %d accepted", i)
			}
			break
		}
	}
}

func TestVerifyTamperedClaimsFails(t *testing.T) {
	m := Minter{Secret: []byte("test-secret")}
	a, err := m.Mint("BAT-1", "MFR-1", "2024-02-01")
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Mint("BAT-2", "MFR-1", "2024-02-01")
	if err != nil {
		t.Fatal(err)
	}
	// Splice BAT-2's claims onto BAT-1's MAC.
	aParts := strings.Split(a, ".")
	bParts := strings.Split(b, ".")
	spliced := strings.Join([]string{bParts[0], bParts[1], aParts[2]}, ".")
	_, err = m.Verify(spliced)
	var ie IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError for substituted claims, got %v", err)
	}
}

func TestVerifyMalformedPayload(t *testing.T) {
	m := Minter{Secret: []byte("test-secret")}
	for _, payload := range []string{"", "   ", "not-a-token", "a.b", "a.b.c.d"} {
		_, err := m.Verify(payload)
		var me MalformedTokenError
		if !errors.As(err, &me) {
			t.Fatalf("payload %q: expected MalformedTokenError, got %v", payload, err)
		}
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	payload, err := Minter{Secret: []byte("secret-a")}.Mint("BAT-1", "MFR-1", "2024-02-01")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Minter{Secret: []byte("secret-b")}.Verify(payload)
	var ie IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("expected IntegrityError under a different secret, got %v", err)
	}
}
