package auth

import (
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
	"golang.org/x/crypto/bcrypt"
)

const maxPasswordBytes = 72

// HashAlgorithm names a supported password hash.
type HashAlgorithm string

const (
	HashBcrypt   HashAlgorithm = "bcrypt"
	HashArgon2id HashAlgorithm = "argon2id"
)

// argon2idParams follow the OWASP minimums.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// Hasher produces self-salted password hashes. New hashes use the configured
// algorithm; Verify accepts any supported format so stored credentials keep
// working after the algorithm changes.
type Hasher struct {
	algorithm  HashAlgorithm
	bcryptCost int
}

// NewHasher returns a Hasher for the named algorithm.
func NewHasher(algorithm string, bcryptCost int) (*Hasher, error) {
	switch HashAlgorithm(algorithm) {
	case HashBcrypt, "":
		if bcryptCost == 0 {
			bcryptCost = bcrypt.DefaultCost
		}
		if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
			return nil, fmt.Errorf("%w: bcrypt cost %d out of range", ErrConfiguration, bcryptCost)
		}
		return &Hasher{algorithm: HashBcrypt, bcryptCost: bcryptCost}, nil
	case HashArgon2id:
		return &Hasher{algorithm: HashArgon2id}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported password hasher %q", ErrConfiguration, algorithm)
	}
}

// Hash hashes a plaintext password.
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	switch h.algorithm {
	case HashArgon2id:
		hash, err := argon2id.CreateHash(password, argon2idParams)
		if err != nil {
			return "", fmt.Errorf("hash password: %w", err)
		}
		return hash, nil
	default:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), h.bcryptCost)
		if err != nil {
			return "", fmt.Errorf("hash password: %w", err)
		}
		return string(hash), nil
	}
}

// Verify reports whether password matches hash. Malformed hashes never match.
func (h *Hasher) Verify(password, hash string) bool {
	return VerifyPassword(password, hash)
}

var defaultHasher = &Hasher{algorithm: HashBcrypt, bcryptCost: bcrypt.DefaultCost}

// HashPassword hashes a plaintext password with bcrypt at the default cost.
func HashPassword(password string) (string, error) {
	return defaultHasher.Hash(password)
}

// VerifyPassword compares a plaintext password against a bcrypt or argon2id
// hash. It returns false for any malformed hash.
func VerifyPassword(password, hash string) bool {
	if password == "" || hash == "" {
		return false
	}
	if strings.HasPrefix(hash, "$argon2id$") {
		return safeArgon2idCompare(password, hash)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// safeArgon2idCompare recovers from panics the argon2 package raises on
// hashes with zero iterations or parallelism.
func safeArgon2idCompare(password, hash string) (match bool) {
	defer func() {
		if r := recover(); r != nil {
			match = false
		}
	}()
	ok, err := argon2id.ComparePasswordAndHash(password, hash)
	return err == nil && ok
}
