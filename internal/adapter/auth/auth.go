// Package auth implements the bearer-token contract: HMAC-SHA256 signed
// tokens carrying the principal's claims, and Argon2id password hashing for
// the admin login that issues them.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/openmake/infergate/internal/domain"
)

// TokenVerifier validates HMAC-signed tokens of the form
// base64(userID:role:tier:expiresAt).base64(signature).
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewTokenVerifier builds a verifier over the shared secret.
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for the given claims, valid for ttl.
func (v *TokenVerifier) Issue(claims domain.AuthClaims, ttl time.Duration) string {
	payload := fmt.Sprintf("%d:%s:%s:%d", claims.UserID, claims.Role, claims.Tier, v.now().Add(ttl).Unix())
	sig := v.sign(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// Verify implements domain.TokenVerifier.
func (v *TokenVerifier) Verify(token string) (*domain.AuthClaims, error) {
	payloadB64, sigB64, ok := strings.Cut(token, ".")
	if !ok {
		return nil, errors.New("op=auth.verify: malformed token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("op=auth.verify: %w", err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("op=auth.verify: %w", err)
	}
	if !hmac.Equal(sig, v.sign(string(payload))) {
		return nil, errors.New("op=auth.verify: bad signature")
	}

	parts := strings.Split(string(payload), ":")
	if len(parts) != 4 {
		return nil, errors.New("op=auth.verify: malformed payload")
	}
	userID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("op=auth.verify: %w", err)
	}
	expires, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("op=auth.verify: %w", err)
	}
	if v.now().Unix() >= expires {
		return nil, errors.New("op=auth.verify: token expired")
	}

	claims := &domain.AuthClaims{
		UserID: userID,
		Role:   domain.Role(parts[1]),
		Tier:   domain.Tier(parts[2]),
	}
	switch claims.Role {
	case domain.RoleAdmin, domain.RoleUser, domain.RoleGuest:
	default:
		return nil, fmt.Errorf("op=auth.verify: unknown role %q", parts[1])
	}
	switch claims.Tier {
	case domain.TierFree, domain.TierPro, domain.TierEnterprise:
	default:
		return nil, fmt.Errorf("op=auth.verify: unknown tier %q", parts[2])
	}
	return claims, nil
}

func (v *TokenVerifier) sign(payload string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// Argon2id password hashing for the admin login.

type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLen     uint32
	keyLen      uint32
}

var defaultArgon2Params = argon2Params{
	memory:      64 * 1024,
	iterations:  3,
	parallelism: 2,
	saltLen:     16,
	keyLen:      32,
}

// HashPassword creates an Argon2id hash in the
// argon2id$iterations$memory$parallelism$salt$hash format.
func HashPassword(password string) (string, error) {
	p := defaultArgon2Params
	salt := make([]byte, p.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("op=auth.hash: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, p.iterations, p.memory, p.parallelism, p.keyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		p.iterations, p.memory, p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyPassword checks a password against its encoded hash in constant time.
func VerifyPassword(password, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := strconv.ParseUint(parts[1], 10, 32)
	mem, err2 := strconv.ParseUint(parts[2], 10, 32)
	par, err3 := strconv.ParseUint(parts[3], 10, 8)
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	actual := argon2.IDKey([]byte(password), salt, uint32(iters), uint32(mem), uint8(par), uint32(len(expected)))
	return subtle.ConstantTimeCompare(actual, expected) == 1
}
