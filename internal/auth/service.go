package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"artcenter/internal/model"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// UserRepository looks up accounts.
type UserRepository interface {
	UserByEmail(ctx context.Context, email string) (model.User, error)
	UserByID(ctx context.Context, id int64) (model.User, error)
}

// Service signs users in.
type Service struct {
	users  UserRepository
	signer *Signer
}

// NewService creates a service.
func NewService(users UserRepository, signer *Signer) *Service {
	return &Service{users: users, signer: signer}
}

// Login checks credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (model.User, TokenPair, error) {
	u, err := s.users.UserByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return model.User{}, TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return model.User{}, TokenPair{}, err
	}
	if !u.IsActive || !CheckPassword(u.PasswordHash, password) {
		return model.User{}, TokenPair{}, ErrInvalidCredentials
	}
	tokens, err := s.signer.Issue(u)
	if err != nil {
		return model.User{}, TokenPair{}, err
	}
	return u, tokens, nil
}

// Refresh exchanges a refresh token for a new pair, re-reading the user so
// role changes and deactivation take effect.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.signer.Parse(refreshToken)
	if err != nil || !claims.Refresh {
		return TokenPair{}, ErrInvalidCredentials
	}
	id, err := claims.UserID()
	if err != nil {
		return TokenPair{}, ErrInvalidCredentials
	}
	u, err := s.users.UserByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, err
	}
	if !u.IsActive {
		return TokenPair{}, ErrInvalidCredentials
	}
	return s.signer.Issue(u)
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Expiry helps handlers report token lifetimes.
func Expiry(t time.Time) int64 { return t.Unix() }
