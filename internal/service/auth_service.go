package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/certlab/certlab-backend/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Claims extends JWT standard claims with the candidate identity. Tokens
// are issued by the external identity provider with the shared HS256
// secret; this service only validates them and tracks the single active
// device session per candidate.
type Claims struct {
	jwt.RegisteredClaims
	CandidateID int `json:"candidate_id"`
}

// AuthService validates identity-provider JWTs and manages the per-candidate
// device session registry.
type AuthService struct {
	cfg *config.Config
	rdb *redis.Client
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client) *AuthService {
	return &AuthService{cfg: cfg, rdb: rdb}
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// RegisterSession records the token's JTI as the candidate's active device
// session. A candidate with two open tabs shares one JTI; a second device
// displaces the first, which then fails the session check.
func (s *AuthService) RegisterSession(ctx context.Context, candidateID int, jti string, ttl time.Duration) error {
	return s.rdb.Set(ctx, config.CacheKey.CandidateSessionKey(candidateID), jti, ttl).Err()
}

// ValidateSession checks that the token's JTI matches the candidate's
// active session in Redis.
func (s *AuthService) ValidateSession(ctx context.Context, candidateID int, jti string) error {
	stored, err := s.rdb.Get(ctx, config.CacheKey.CandidateSessionKey(candidateID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return errors.New("no active session")
		}
		return fmt.Errorf("check session: %w", err)
	}
	if stored != jti {
		return errors.New("session invalidated")
	}
	return nil
}

// ResetSession removes a candidate's session, allowing a new device.
func (s *AuthService) ResetSession(ctx context.Context, candidateID int) error {
	return s.rdb.Del(ctx, config.CacheKey.CandidateSessionKey(candidateID)).Err()
}

// IssueDevToken mints a candidate token locally. Production tokens come
// from the identity provider; this exists for seeding and e2e tests.
func (s *AuthService) IssueDevToken(ctx context.Context, candidateID int, ttl time.Duration) (string, error) {
	jti := uuid.New().String()
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.Itoa(candidateID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		CandidateID: candidateID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	if err := s.RegisterSession(ctx, candidateID, jti, ttl); err != nil {
		return "", err
	}

	return signed, nil
}
