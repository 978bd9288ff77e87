package auth

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"veil/pkg/domain"
	"veil/svc/util"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sessionVersion = 1
	sessionKeySize = chacha20poly1305.KeySize
	// version | issued | expires | flags | id
	sessionPlainSize = 1 + 8 + 8 + 1 + 16
	flagAuthenticated = 1 << 0
)

var (
	ErrSessionMalformed = errors.New("session malformed")
	ErrSessionExpired   = errors.New("session expired")
	sessionAAD          = []byte("veil/session/v1")
)

// Session is the client-held state. It is opaque to the client: the whole
// struct is sealed with XChaCha20-Poly1305 under a key that only lives in
// this process.
type Session struct {
	ID            string
	Authenticated bool
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// Sealer seals and opens session tokens. Its key is drawn from crypto/rand
// in NewSealer and never leaves memory, so tokens from a previous process
// fail to open.
type Sealer struct {
	mu      sync.RWMutex
	key     []byte
	csrfKey []byte
	aead    cipher.AEAD
	ttl     time.Duration
	now     func() time.Time
}

func NewSealer(ttl time.Duration) (*Sealer, error) {
	key := make([]byte, sessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.Wrap(err, "generate session key")
	}
	return newSealerWithKey(key, ttl)
}

func newSealerWithKey(key []byte, ttl time.Duration) (*Sealer, error) {
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "init session cipher")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("veil/csrf"))
	return &Sealer{
		key:     key,
		csrfKey: mac.Sum(nil),
		aead:    aead,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func (s *Sealer) TTL() time.Duration {
	return s.ttl
}

// Issue creates a fresh authenticated session and its token.
func (s *Sealer) Issue() (Session, string, error) {
	now := s.now()
	sess := Session{
		ID:            uuid.NewString(),
		Authenticated: true,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.ttl),
	}
	token, err := s.Seal(sess)
	if err != nil {
		return Session{}, "", err
	}
	return sess, token, nil
}

func (s *Sealer) Seal(sess Session) (string, error) {
	id, err := uuid.Parse(sess.ID)
	if err != nil {
		return "", errors.Wrap(err, "session id")
	}
	plain := make([]byte, 0, sessionPlainSize)
	plain = append(plain, sessionVersion)
	plain = binary.BigEndian.AppendUint64(plain, uint64(sess.IssuedAt.Unix()))
	plain = binary.BigEndian.AppendUint64(plain, uint64(sess.ExpiresAt.Unix()))
	var flags byte
	if sess.Authenticated {
		flags |= flagAuthenticated
	}
	plain = append(plain, flags)
	plain = append(plain, id[:]...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aead == nil {
		return "", errors.New("sealer closed")
	}
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "session nonce")
	}
	sealed := s.aead.Seal(nonce, nonce, plain, sessionAAD)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decodes a token. Every failure collapses into
// ErrSessionMalformed or ErrSessionExpired; callers treat both as "no
// session".
func (s *Sealer) Open(token string) (Session, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Session{}, ErrSessionMalformed
	}
	s.mu.RLock()
	aead := s.aead
	s.mu.RUnlock()
	if aead == nil || len(raw) < aead.NonceSize()+aead.Overhead() {
		return Session{}, ErrSessionMalformed
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, sessionAAD)
	if err != nil || len(plain) != sessionPlainSize || plain[0] != sessionVersion {
		return Session{}, ErrSessionMalformed
	}
	issued := int64(binary.BigEndian.Uint64(plain[1:9]))
	expires := int64(binary.BigEndian.Uint64(plain[9:17]))
	id, err := uuid.FromBytes(plain[18:34])
	if err != nil {
		return Session{}, ErrSessionMalformed
	}
	sess := Session{
		ID:            id.String(),
		Authenticated: plain[17]&flagAuthenticated != 0,
		IssuedAt:      time.Unix(issued, 0),
		ExpiresAt:     time.Unix(expires, 0),
	}
	if !s.now().Before(sess.ExpiresAt) {
		return Session{}, ErrSessionExpired
	}
	return sess, nil
}

// CSRFToken binds a form token to the session id.
func (s *Sealer) CSRFToken(sess Session) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mac := hmac.New(sha256.New, s.csrfKey)
	mac.Write([]byte(sess.ID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Sealer) VerifyCSRF(sess Session, token string) error {
	want := s.CSRFToken(sess)
	if token == "" || !hmac.Equal([]byte(want), []byte(token)) {
		return domain.ErrCSRF
	}
	return nil
}

// Close wipes the key. Tokens can no longer be sealed or opened.
func (s *Sealer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	util.Wipe(s.key)
	util.Wipe(s.csrfKey)
	s.aead = nil
}
