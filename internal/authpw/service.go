// Package authpw provides email/password authentication and invite-based
// onboarding. The very first account bootstraps as the workspace owner;
// everyone after that joins through an invite token.
package authpw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sopdesk/api/internal/auth"
	"sopdesk/api/internal/rbac"
	"sopdesk/api/internal/store"
	"sopdesk/api/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrAccountDeactivated = errors.New("account is deactivated")
	ErrInviteRequired     = errors.New("an invite is required to sign up")
	ErrInviteInvalid      = errors.New("invite is invalid, expired, or already used")
)

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	CountUsers(ctx context.Context) (int, error)
	GetInviteByTokenHash(ctx context.Context, tokenHash string) (store.UserInvite, error)
	MarkInviteAccepted(ctx context.Context, inviteID string) (bool, error)
}

// Service provides email/password authentication
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignUpRequest contains sign-up parameters
type SignUpRequest struct {
	Email       string
	Password    string
	DisplayName string
	InviteToken string
}

// SignUp creates an account. An empty workspace accepts the first signup
// without an invite and grants it the top role; every later signup must
// carry a valid invite token and inherits the invite's role.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	if req.Email == "" || req.Password == "" || req.DisplayName == "" {
		return store.User{}, errors.New("email, password, and display name are required")
	}
	if len(req.Password) < 8 {
		return store.User{}, errors.New("password must be at least 8 characters")
	}

	if _, err := s.store.GetUserByEmail(ctx, req.Email); err == nil {
		return store.User{}, errors.New("email already registered")
	}

	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return store.User{}, fmt.Errorf("count users: %w", err)
	}

	role := string(rbac.RoleSuperAdmin)
	var invite store.UserInvite
	if count > 0 {
		if req.InviteToken == "" {
			return store.User{}, ErrInviteRequired
		}
		invite, err = s.lookupInvite(ctx, req.InviteToken)
		if err != nil {
			return store.User{}, err
		}
		role = invite.Role
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         role,
		Status:       store.UserActive,
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return store.User{}, fmt.Errorf("create user: %w", err)
	}

	if invite.ID != "" {
		if _, err := s.store.MarkInviteAccepted(ctx, invite.ID); err != nil {
			return store.User{}, fmt.Errorf("accept invite: %w", err)
		}
	}

	return user, nil
}

func (s *Service) lookupInvite(ctx context.Context, token string) (store.UserInvite, error) {
	invite, err := s.store.GetInviteByTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		return store.UserInvite{}, ErrInviteInvalid
	}
	if invite.Status != store.InvitePending || time.Now().After(invite.ExpiresAt) {
		return store.UserInvite{}, ErrInviteInvalid
	}
	return invite, nil
}

// InviteDetails resolves a raw invite token for the accept page. It does
// not consume the invite.
func (s *Service) InviteDetails(ctx context.Context, token string) (store.UserInvite, error) {
	return s.lookupInvite(ctx, token)
}

// SignIn authenticates a user by email and password.
func (s *Service) SignIn(ctx context.Context, email, password string) (store.User, error) {
	if email == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if user.Status == store.UserDeactivated || user.Status == store.UserSuspended {
		return store.User{}, ErrAccountDeactivated
	}

	return user, nil
}

// NewInviteToken returns the raw token to mail out and its hash to store.
func NewInviteToken() (raw, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = hex.EncodeToString(b)
	return raw, auth.HashToken(raw), nil
}
