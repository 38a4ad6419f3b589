// Package service contains the provenance state machine and the account
// service that turns logins into caller identities.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/provenance/internal/crypto"
	"github.com/and161185/provenance/internal/errs"
	"github.com/and161185/provenance/internal/limiter"
	"github.com/and161185/provenance/internal/model"
	"github.com/and161185/provenance/internal/repository"
)

// AuthService defines account registration and login.
type AuthService interface {
	// Register creates an account for identity with secure password hashing.
	Register(ctx context.Context, identity model.Identity, password string) (accountID string, err error)
	// LoginWithIP applies rate-limiting and issues a bearer token whose subject is the identity.
	LoginWithIP(ctx context.Context, identity model.Identity, password, ip string) (model.Token, error)
}

type AuthServiceImpl struct {
	accounts  repository.AccountRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Limiter
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(accounts repository.AccountRepository, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	return &AuthServiceImpl{accounts: accounts, signKey: signKey, accessTTL: accessTTL, lim: lim}
}

// Register creates a new account record.
func (s *AuthServiceImpl) Register(ctx context.Context, identity model.Identity, password string) (string, error) {
	if identity == "" || password == "" {
		return "", fmt.Errorf("empty identity/password: %w", errs.ErrInvalidArgument)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	hash, err := pkgcrypto.HashPassword([]byte(password))
	if err != nil {
		return "", err
	}
	a := &model.Account{
		ID:        id,
		Identity:  identity,
		PwdHash:   hash,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.accounts.Create(ctx, a); err != nil {
		return "", err
	}
	return id.String(), nil
}

// LoginWithIP authenticates with rate limiting by (identity, ip).
func (s *AuthServiceImpl) LoginWithIP(ctx context.Context, identity model.Identity, password, ip string) (model.Token, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, string(identity), ipHash)
	if err != nil {
		return model.Token{}, err
	}
	if !allowed {
		return model.Token{}, errs.ErrRateLimited
	}

	a, err := s.accounts.GetByIdentity(ctx, identity)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return model.Token{}, err
	}
	ok := false
	if a != nil {
		ok, _ = pkgcrypto.VerifyPassword([]byte(password), a.PwdHash)
	}
	if !ok {
		if blocked, _, ferr := s.lim.Failure(ctx, string(identity), ipHash); ferr == nil && blocked {
			return model.Token{}, errs.ErrRateLimited
		}
		// unknown identity and wrong password look the same
		return model.Token{}, errs.ErrUnauthorized
	}

	_ = s.lim.Success(ctx, string(identity), ipHash)
	return s.issueAccessToken(identity)
}

// issueAccessToken creates a signed HS256 JWT for the given identity.
func (s *AuthServiceImpl) issueAccessToken(identity model.Identity) (model.Token, error) {
	now := time.Now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   string(identity),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return model.Token{}, err
	}
	return model.Token{AccessToken: signed, ExpiresAt: exp}, nil
}
