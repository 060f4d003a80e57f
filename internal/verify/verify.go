package verify

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// MalformedTokenError indicates a payload that could not be decoded at all.
type MalformedTokenError struct {
	Reason string
}

func (e MalformedTokenError) Error() string {
	return fmt.Sprintf("malformed verification token: %s", e.Reason)
}

// IntegrityError indicates a decodable payload whose MAC does not match its
// fields, or whose fields do not match the registry. Possible counterfeit.
type IntegrityError struct {
	BatchID string
	Reason  string
}

func (e IntegrityError) Error() string {
	if e.BatchID == "" {
		return fmt.Sprintf("verification failed: %s", e.Reason)
	}
	return fmt.Sprintf("verification failed for batch %s: %s", e.BatchID, e.Reason)
}

// TokenClaims are the plaintext fields bound by the MAC. The compact JWS
// serialization of these claims is the payload rendered as a scannable code.
type TokenClaims struct {
	jwt.RegisteredClaims
	BatchID           string `json:"batch_id"`
	ManufacturerID    string `json:"manufacturer_id"`
	ManufacturingDate string `json:"manufacturing_date"`
}

const tokenIssuer = "medledger"

// Minter mints and checks verification tokens under a server-held secret.
// Stateless; safe for concurrent use.
type Minter struct {
	Secret []byte
}

// Mint produces the authenticity payload for a batch. Deterministic for a
// given batch and secret: no random material, no expiry claim.
func (m Minter) Mint(batchID, manufacturerID, manufacturingDate string) (string, error) {
	if len(m.Secret) == 0 {
		return "", errors.New("verification secret not configured")
	}
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  tokenIssuer,
			Subject: batchID,
		},
		BatchID:           batchID,
		ManufacturerID:    manufacturerID,
		ManufacturingDate: manufacturingDate,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.Secret)
}

// Verify decodes a payload and recomputes its MAC. The signature comparison
// inside the JWT library is constant-time. A bad structure yields
// MalformedTokenError, a bad MAC yields IntegrityError; cross-checking the
// claims against the registry is the engine's job.
func (m Minter) Verify(payload string) (TokenClaims, error) {
	if len(m.Secret) == 0 {
		return TokenClaims{}, errors.New("verification secret not configured")
	}
	if strings.TrimSpace(payload) == "" {
		return TokenClaims{}, MalformedTokenError{Reason: "empty payload"}
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
	)
	claims := &TokenClaims{}
	parsed, err := parser.ParseWithClaims(payload, claims, func(t *jwt.Token) (any, error) {
		return m.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return TokenClaims{}, MalformedTokenError{Reason: err.Error()}
		}
		return TokenClaims{}, IntegrityError{BatchID: claims.BatchID, Reason: "MAC mismatch, possible counterfeit"}
	}
	if !parsed.Valid {
		return TokenClaims{}, IntegrityError{BatchID: claims.BatchID, Reason: "MAC mismatch, possible counterfeit"}
	}
	if claims.BatchID == "" {
		return TokenClaims{}, MalformedTokenError{Reason: "batch_id claim missing"}
	}
	return *claims, nil
}
