package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

// Service implements signup and login on top of the user repository
type Service struct {
	users  interfaces.UserRepository
	issuer *Issuer
	cost   int
}

// NewService creates an account service; cost <= 0 uses bcrypt.DefaultCost
func NewService(users interfaces.UserRepository, issuer *Issuer, cost int) *Service {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{users: users, issuer: issuer, cost: cost}
}

// Signup validates and stores a new account with a bcrypt password hash
func (s *Service) Signup(ctx context.Context, username, email, password string) (*types.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if err := types.ValidateSignup(username, email, password); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &types.User{Username: username, Email: email}
	if err := s.users.CreateUser(ctx, user, string(hash)); err != nil {
		return nil, err
	}

	log.Printf("Created user %d (%s)", user.ID, user.Username)
	return user, nil
}

// Login verifies credentials and issues an access token
// FUNCTIONAL DISCOVERY: Unknown email and wrong password produce the same error so
// the endpoint does not reveal which accounts exist
func (s *Service) Login(ctx context.Context, email, password string) (*types.User, string, error) {
	user, hash, err := s.users.GetCredentials(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			return nil, "", types.ErrInvalidCredentials
		}
		return nil, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, "", types.ErrInvalidCredentials
	}

	token, err := s.issuer.Sign(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("sign token: %w", err)
	}
	return user, token, nil
}
