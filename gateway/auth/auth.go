// Package auth turns Ed25519 challenge-responses into bearer tokens and
// resolves them back to participant identities. It also carries the durable
// nonce guard the payment engine uses against replayed signed payloads.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"geohub/crypto"
)

const (
	// ChallengeTTL bounds how long an issued challenge may be answered.
	ChallengeTTL = 2 * time.Minute

	// RoleParticipant and RoleOperator are the two claim roles the hub
	// recognizes. Operators reach the privileged routes.
	RoleParticipant = "participant"
	RoleOperator    = "operator"
)

var (
	// ErrChallengeUnknown is returned when a response references no live challenge.
	ErrChallengeUnknown = errors.New("auth: challenge unknown or expired")
	// ErrTokenInvalid is returned when a bearer token does not verify.
	ErrTokenInvalid = errors.New("auth: token invalid")
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	PID  string
	Role string
}

// IsOperator reports whether the identity carries the operator role.
func (i Identity) IsOperator() bool { return i.Role == RoleOperator }

// Service issues challenges, verifies signed responses and mints/resolves
// JWT bearer tokens.
type Service struct {
	secret    []byte
	tokenTTL  time.Duration
	operators map[string]bool
	now       func() time.Time

	mu         sync.Mutex
	challenges map[string]challenge
}

type challenge struct {
	pid       string
	publicKey string
	expires   time.Time
}

// NewService constructs the auth service. operators lists the PIDs granted
// the operator role on login.
func NewService(secret string, tokenTTL time.Duration, operators []string) (*Service, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: jwt secret must be configured")
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	ops := make(map[string]bool, len(operators))
	for _, pid := range operators {
		if pid = strings.TrimSpace(pid); pid != "" {
			ops[pid] = true
		}
	}
	return &Service{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		operators:  ops,
		now:        func() time.Time { return time.Now().UTC() },
		challenges: map[string]challenge{},
	}, nil
}

// SetNowFunc overrides the clock for tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Challenge issues a random challenge for the supplied public key. The
// caller proves key ownership by signing the returned bytes.
func (s *Service) Challenge(publicKeyHex string) (id string, payload string, err error) {
	pub, err := crypto.ParsePublicKey(publicKeyHex)
	if err != nil {
		return "", "", fmt.Errorf("auth: %w", err)
	}
	pid, err := crypto.DerivePID(pub)
	if err != nil {
		return "", "", fmt.Errorf("auth: %w", err)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("auth: generate challenge: %w", err)
	}
	id = hex.EncodeToString(raw[:16])
	payload = hex.EncodeToString(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune()
	s.challenges[id] = challenge{
		pid:       pid.String(),
		publicKey: strings.ToLower(strings.TrimSpace(publicKeyHex)),
		expires:   s.now().Add(ChallengeTTL),
	}
	return id, payload, nil
}

// Redeem verifies a signed challenge and returns a bearer token for the
// key's derived PID. Challenges are single use.
func (s *Service) Redeem(challengeID, payload, signatureHex string) (string, Identity, error) {
	s.mu.Lock()
	ch, ok := s.challenges[challengeID]
	if ok {
		delete(s.challenges, challengeID)
	}
	s.mu.Unlock()
	if !ok || s.now().After(ch.expires) {
		return "", Identity{}, ErrChallengeUnknown
	}
	pub, err := crypto.ParsePublicKey(ch.publicKey)
	if err != nil {
		return "", Identity{}, fmt.Errorf("auth: %w", err)
	}
	sig, err := crypto.ParseSignature(signatureHex)
	if err != nil {
		return "", Identity{}, fmt.Errorf("auth: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", Identity{}, fmt.Errorf("auth: decode challenge payload: %w", err)
	}
	if !crypto.Verify(pub, raw, sig) {
		return "", Identity{}, ErrTokenInvalid
	}
	identity := Identity{PID: ch.pid, Role: RoleParticipant}
	if s.operators[ch.pid] {
		identity.Role = RoleOperator
	}
	token, err := s.mint(identity)
	if err != nil {
		return "", Identity{}, err
	}
	return token, identity, nil
}

// Resolve validates a bearer token and returns the identity it carries.
func (s *Service) Resolve(ctx context.Context, token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &hubClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return Identity{}, ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*hubClaims)
	if !ok || strings.TrimSpace(claims.Subject) == "" {
		return Identity{}, ErrTokenInvalid
	}
	role := claims.Role
	if role != RoleOperator {
		role = RoleParticipant
	}
	return Identity{PID: claims.Subject, Role: role}, nil
}

type hubClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (s *Service) mint(identity Identity) (string, error) {
	now := s.now()
	claims := hubClaims{
		Role: identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.PID,
			Issuer:    "geohub",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// prune drops expired challenges. Caller holds the lock.
func (s *Service) prune() {
	now := s.now()
	for id, ch := range s.challenges {
		if now.After(ch.expires) {
			delete(s.challenges, id)
		}
	}
}
