// Package auth implements MUD registration, API-key/bearer-token
// issuance and verification, and the single-live-connection session
// registry.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/mudvault/mesh/internal/envelope"
	"github.com/mudvault/mesh/internal/store"
)

var (
	// ErrBadAdminSecret is returned when registration's out-of-band
	// shared secret does not match.
	ErrBadAdminSecret = errors.New("auth: invalid admin secret")
	// ErrInvalidMUDName is returned when a MUD name fails the mesh grammar.
	ErrInvalidMUDName = errors.New("auth: invalid mud name")
	// ErrUnknownMUD is returned when no registration exists for a MUD name.
	ErrUnknownMUD = errors.New("auth: unknown mud")
	// ErrBadAPIKey is returned when an API key does not match its hash.
	ErrBadAPIKey = errors.New("auth: invalid api key")
	// ErrTokenRevoked is returned when a token's jti is in the revocation set.
	ErrTokenRevoked = errors.New("auth: token revoked")
	// ErrTokenInvalid is returned for any other token validation failure.
	ErrTokenInvalid = errors.New("auth: invalid token")
)

// mudInfo is the JSON blob stored at store.MudInfoKey.
type mudInfo struct {
	Name       string `json:"name"`
	APIKeyHash string `json:"apiKeyHash"`
	Registered int64  `json:"registered"`
}

// Claims is the JWT payload minted by IssueToken.
type Claims struct {
	MUDName string `json:"mudName"`
	jwt.RegisteredClaims
}

// Service issues and verifies credentials against the shared store.
type Service struct {
	store       store.Store
	adminSecret string
	signingKey  []byte
	tokenTTL    time.Duration
}

// NewService constructs an auth Service.
func NewService(st store.Store, adminSecret, signingKey string, tokenTTL time.Duration) *Service {
	return &Service{store: st, adminSecret: adminSecret, signingKey: []byte(signingKey), tokenTTL: tokenTTL}
}

// RegisterMUD verifies the admin secret, generates a new API key for
// mudName, stores its bcrypt hash, and returns the plaintext key once.
func (s *Service) RegisterMUD(ctx context.Context, mudName, adminSecret string) (apiKey string, err error) {
	if subtle.ConstantTimeCompare([]byte(adminSecret), []byte(s.adminSecret)) != 1 {
		return "", ErrBadAdminSecret
	}
	mudName = envelope.NormalizeMUDName(mudName)
	if !envelope.ValidMUDName(mudName) {
		return "", ErrInvalidMUDName
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate api key: %w", err)
	}
	apiKey = hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash api key: %w", err)
	}

	info := mudInfo{Name: mudName, APIKeyHash: string(hash), Registered: time.Now().Unix()}
	blob, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, store.MudInfoKey(mudName), string(blob), 0); err != nil {
		return "", err
	}
	return apiKey, nil
}

func (s *Service) lookupMUD(ctx context.Context, mudName string) (*mudInfo, error) {
	blob, err := s.store.Get(ctx, store.MudInfoKey(mudName))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownMUD
	}
	if err != nil {
		return nil, err
	}
	var info mudInfo
	if err := json.Unmarshal([]byte(blob), &info); err != nil {
		return nil, fmt.Errorf("auth: decode mud_info: %w", err)
	}
	return &info, nil
}

// IssueToken exchanges a (MUD name, API key) pair for a bearer JWT.
func (s *Service) IssueToken(ctx context.Context, mudName, apiKey string) (string, error) {
	info, err := s.lookupMUD(ctx, mudName)
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(info.APIKeyHash), []byte(apiKey)) != nil {
		return "", ErrBadAPIKey
	}

	now := time.Now()
	claims := &Claims{
		MUDName: info.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   info.Name,
			Issuer:    "mudvault-mesh",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.signingKey)
}

// VerifyToken parses and validates a bearer token, checking the
// revocation set, and returns the MUD identity it carries.
func (s *Service) VerifyToken(ctx context.Context, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	revoked, err := s.store.SIsMember(ctx, store.RevokedTokens, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// RevokeToken adds a token's jti to the revocation set.
func (s *Service) RevokeToken(ctx context.Context, jti string) error {
	return s.store.SAdd(ctx, store.RevokedTokens, jti)
}
