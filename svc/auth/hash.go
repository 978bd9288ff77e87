package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"veil/pkg/domain"
)

// Digest is the fixed one-way hash stored in the credential file: lowercase
// hex SHA-256 of the UTF-8 password.
func Digest(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// Checker verifies login attempts against the credential loaded at startup.
// It never touches disk.
type Checker struct {
	username    []byte
	hash        []byte
	minDuration time.Duration
}

func NewChecker(c domain.Credential, minDuration time.Duration) *Checker {
	return &Checker{
		username:    []byte(c.Username),
		hash:        []byte(c.PasswordHash),
		minDuration: minDuration,
	}
}

// Check reports whether both username and password match. Both comparisons
// always run and the call is padded to minDuration, so a wrong username and a
// wrong password cost the same.
func (c *Checker) Check(username, password string) bool {
	start := time.Now()
	userMatch := subtle.ConstantTimeCompare([]byte(username), c.username)
	hashMatch := subtle.ConstantTimeCompare([]byte(Digest(password)), c.hash)
	ok := userMatch&hashMatch == 1 && len(c.username) > 0
	if elapsed := time.Since(start); elapsed < c.minDuration {
		time.Sleep(c.minDuration - elapsed)
	}
	return ok
}

func (c *Checker) Username() string {
	return string(c.username)
}
