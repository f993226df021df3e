package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sopdesk/api/internal/auth"
	"sopdesk/api/internal/store"
)

type fakeUserStore struct {
	getUserByEmailFn       func(context.Context, string) (store.User, error)
	getUserByIDFn          func(context.Context, string) (store.User, error)
	createUserFn           func(context.Context, store.User) error
	countUsersFn           func(context.Context) (int, error)
	getInviteByTokenHashFn func(context.Context, string) (store.UserInvite, error)
	markInviteAcceptedFn   func(context.Context, string) (bool, error)
}

func (f *fakeUserStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeUserStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}

func (f *fakeUserStore) CountUsers(ctx context.Context) (int, error) {
	if f.countUsersFn != nil {
		return f.countUsersFn(ctx)
	}
	return 0, nil
}

func (f *fakeUserStore) GetInviteByTokenHash(ctx context.Context, hash string) (store.UserInvite, error) {
	if f.getInviteByTokenHashFn != nil {
		return f.getInviteByTokenHashFn(ctx, hash)
	}
	return store.UserInvite{}, sql.ErrNoRows
}

func (f *fakeUserStore) MarkInviteAccepted(ctx context.Context, id string) (bool, error) {
	if f.markInviteAcceptedFn != nil {
		return f.markInviteAcceptedFn(ctx, id)
	}
	return true, nil
}

func TestFirstSignupGetsTopRole(t *testing.T) {
	var created store.User
	fs := &fakeUserStore{
		createUserFn: func(_ context.Context, user store.User) error {
			created = user
			return nil
		},
	}
	svc := NewService(fs)

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "first@example.com",
		Password:    "correct horse",
		DisplayName: "First",
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Role != "SUPER_ADMIN" {
		t.Errorf("first account role = %s", user.Role)
	}
	if created.PasswordHash == "" || created.PasswordHash == "correct horse" {
		t.Error("password must be stored hashed")
	}
	if created.Status != store.UserActive {
		t.Errorf("new account status = %s", created.Status)
	}
}

func TestSignupRejectsShortPasswords(t *testing.T) {
	svc := NewService(&fakeUserStore{})
	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "a@example.com",
		Password:    "short",
		DisplayName: "A",
	})
	if err == nil {
		t.Fatal("expected an error for a 5-character password")
	}
}

func TestLaterSignupsNeedInvite(t *testing.T) {
	fs := &fakeUserStore{
		countUsersFn: func(context.Context) (int, error) { return 3, nil },
	}
	svc := NewService(fs)

	_, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "later@example.com",
		Password:    "correct horse",
		DisplayName: "Later",
	})
	if !errors.Is(err, ErrInviteRequired) {
		t.Fatalf("expected ErrInviteRequired, got %v", err)
	}
}

func TestSignupConsumesInviteAndInheritsRole(t *testing.T) {
	raw, hash, err := NewInviteToken()
	if err != nil {
		t.Fatalf("NewInviteToken: %v", err)
	}
	invite := store.UserInvite{
		ID:        "inv-1",
		Email:     "invited@example.com",
		Role:      "MANAGER",
		TokenHash: hash,
		Status:    store.InvitePending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	accepted := false
	fs := &fakeUserStore{
		countUsersFn: func(context.Context) (int, error) { return 1, nil },
		getInviteByTokenHashFn: func(_ context.Context, gotHash string) (store.UserInvite, error) {
			if gotHash != hash {
				return store.UserInvite{}, sql.ErrNoRows
			}
			return invite, nil
		},
		markInviteAcceptedFn: func(_ context.Context, id string) (bool, error) {
			accepted = id == "inv-1"
			return true, nil
		},
	}
	svc := NewService(fs)

	user, err := svc.SignUp(context.Background(), SignUpRequest{
		Email:       "invited@example.com",
		Password:    "correct horse",
		DisplayName: "Invited",
		InviteToken: raw,
	})
	if err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	if user.Role != "MANAGER" {
		t.Errorf("invited account should inherit the invite role, got %s", user.Role)
	}
	if !accepted {
		t.Error("the invite should be marked accepted")
	}
}

func TestExpiredInviteIsRejected(t *testing.T) {
	raw, hash, err := NewInviteToken()
	if err != nil {
		t.Fatalf("NewInviteToken: %v", err)
	}
	fs := &fakeUserStore{
		countUsersFn: func(context.Context) (int, error) { return 1, nil },
		getInviteByTokenHashFn: func(context.Context, string) (store.UserInvite, error) {
			return store.UserInvite{
				ID:        "inv-1",
				TokenHash: hash,
				Status:    store.InvitePending,
				ExpiresAt: time.Now().Add(-time.Minute),
			}, nil
		},
	}
	svc := NewService(fs)

	_, err = svc.SignUp(context.Background(), SignUpRequest{
		Email:       "late@example.com",
		Password:    "correct horse",
		DisplayName: "Late",
		InviteToken: raw,
	})
	if !errors.Is(err, ErrInviteInvalid) {
		t.Fatalf("expected ErrInviteInvalid, got %v", err)
	}
}

func TestSignInVerifiesPassword(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	user := store.User{
		ID:           "usr-1",
		Email:        "o@example.com",
		PasswordHash: string(hash),
		Status:       store.UserActive,
	}
	fs := &fakeUserStore{
		getUserByEmailFn: func(context.Context, string) (store.User, error) { return user, nil },
	}
	svc := NewService(fs)

	if _, err := svc.SignIn(context.Background(), "o@example.com", "correct horse"); err != nil {
		t.Fatalf("SignIn with right password: %v", err)
	}
	if _, err := svc.SignIn(context.Background(), "o@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestSignInRejectsDeactivatedAccounts(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	user := store.User{
		ID:           "usr-1",
		Email:        "o@example.com",
		PasswordHash: string(hash),
		Status:       store.UserDeactivated,
	}
	fs := &fakeUserStore{
		getUserByEmailFn: func(context.Context, string) (store.User, error) { return user, nil },
	}
	svc := NewService(fs)

	if _, err := svc.SignIn(context.Background(), "o@example.com", "correct horse"); !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("expected ErrAccountDeactivated, got %v", err)
	}
}

func TestInviteDetailsDoesNotConsume(t *testing.T) {
	raw, hash, err := NewInviteToken()
	if err != nil {
		t.Fatalf("NewInviteToken: %v", err)
	}
	consumed := false
	fs := &fakeUserStore{
		getInviteByTokenHashFn: func(_ context.Context, gotHash string) (store.UserInvite, error) {
			if gotHash != auth.HashToken(raw) || gotHash != hash {
				return store.UserInvite{}, sql.ErrNoRows
			}
			return store.UserInvite{
				ID:        "inv-1",
				Email:     "invited@example.com",
				Role:      "MEMBER",
				Status:    store.InvitePending,
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
		markInviteAcceptedFn: func(context.Context, string) (bool, error) {
			consumed = true
			return true, nil
		},
	}
	svc := NewService(fs)

	invite, err := svc.InviteDetails(context.Background(), raw)
	if err != nil {
		t.Fatalf("InviteDetails: %v", err)
	}
	if invite.Email != "invited@example.com" {
		t.Errorf("email = %q", invite.Email)
	}
	if consumed {
		t.Error("resolving details must not consume the invite")
	}
}
