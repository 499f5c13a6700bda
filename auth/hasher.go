package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	TimeCost    uint32
	MemoryCost  uint32
	Parallelism uint8
	KeyLength   uint32
	SaltLength  int
}

// DefaultArgon2Params follow the usual interactive-login settings.
var DefaultArgon2Params = Argon2Params{
	TimeCost:    3,
	MemoryCost:  64 * 1024,
	Parallelism: 4,
	KeyLength:   32,
	SaltLength:  16,
}

var errBadHash = errors.New("malformed password hash")

var b64 = base64.RawStdEncoding

// Hasher hashes passwords with argon2id and a random salt. Hashes are
// encoded as argon2id$v=19$m=..,t=..,p=..$salt$key so parameters can change
// without invalidating stored users.
type Hasher struct {
	params Argon2Params
}

func NewHasher(p Argon2Params) *Hasher { return &Hasher{params: p} }

func (h *Hasher) Hash(secret string) (string, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	p := h.params
	key := argon2.IDKey([]byte(secret), salt, p.TimeCost, p.MemoryCost, p.Parallelism, p.KeyLength)
	return fmt.Sprintf("argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryCost, p.TimeCost, p.Parallelism, b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

func (h *Hasher) Compare(encoded, secret string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != "argon2id" {
		return false, errBadHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errBadHash
	}
	var p Argon2Params
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.MemoryCost, &p.TimeCost, &p.Parallelism); err != nil {
		return false, errBadHash
	}
	salt, err := b64.DecodeString(parts[3])
	if err != nil {
		return false, errBadHash
	}
	want, err := b64.DecodeString(parts[4])
	if err != nil || len(want) == 0 {
		return false, errBadHash
	}
	got := argon2.IDKey([]byte(secret), salt, p.TimeCost, p.MemoryCost, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}
