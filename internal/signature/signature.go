// Package signature issues and verifies signature-capture tokens. A valid
// token proves the owner signed the exact terms of a contract, which lets the
// contract activate without a first charge.
package signature

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/boddenberg/pj-contracts-go/internal/clock"
	"github.com/boddenberg/pj-contracts-go/internal/domain"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/blake2b"
)

const issuer = "pj-contracts"

// Claims are the custom claims of a signature token.
type Claims struct {
	ContractID  string `json:"contract_id"`
	OwnerID     string `json:"owner_id"`
	TermsDigest string `json:"terms_digest"`
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 signature tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

// NewSigner creates a Signer. An empty secret disables verification:
// every token is rejected.
func NewSigner(secret string, ttl time.Duration, clk clock.Clock) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, clock: clk}
}

// Issue returns a token binding the owner to the contract's current terms.
func (s *Signer) Issue(c *domain.Contract) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("signature secret not configured")
	}
	digest, err := TermsDigest(c.Terms)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	claims := Claims{
		ContractID:  c.ID,
		OwnerID:     c.OwnerID,
		TermsDigest: digest,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			Issuer:    issuer,
			Subject:   c.OwnerID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks that token was issued for exactly this contract, owner and terms.
func (s *Signer) Verify(tokenString string, c *domain.Contract) error {
	if len(s.secret) == 0 {
		return &domain.ErrInvalidSignature{Reason: "signature capture disabled"}
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock.Now), jwt.WithIssuer(issuer))
	if err != nil {
		return &domain.ErrInvalidSignature{Reason: "token invalid or expired"}
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return &domain.ErrInvalidSignature{Reason: "token invalid"}
	}
	if claims.ContractID != c.ID || claims.OwnerID != c.OwnerID {
		return &domain.ErrInvalidSignature{Reason: "token issued for another contract"}
	}

	digest, err := TermsDigest(c.Terms)
	if err != nil {
		return err
	}
	if claims.TermsDigest != digest {
		return &domain.ErrInvalidSignature{Reason: "terms changed since signing"}
	}
	return nil
}

// TermsDigest is a blake2b-256 hash of the canonical JSON form of terms.
func TermsDigest(t domain.Terms) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal terms: %w", err)
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
