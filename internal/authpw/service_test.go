package authpw

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"bookroom/api/internal/store"
)

func newTestService() (*Service, *store.MemoryStore) {
	st := store.NewMemoryStore()
	svc := NewService(st)
	svc.cost = bcrypt.MinCost
	return svc, st
}

func TestSignUpAndSignIn(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService()

	user, err := svc.SignUp(ctx, SignUpRequest{Email: " Ana@Example.com ", Password: "correct horse", DisplayName: "Ana"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.ID == "" || user.Role != "client" || user.PasswordHash != "" {
		t.Fatalf("unexpected user: %+v", user)
	}

	stored, err := st.GetUserByEmail(ctx, "ana@example.com")
	if err != nil {
		t.Fatalf("stored user missing: %v", err)
	}
	if stored.PasswordHash == "" || stored.PasswordHash == "correct horse" {
		t.Fatal("password was not hashed")
	}

	signedIn, err := svc.SignIn(ctx, SignInRequest{Email: "ANA@example.com", Password: "correct horse"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if signedIn.ID != user.ID {
		t.Fatalf("SignIn() user = %s, want %s", signedIn.ID, user.ID)
	}
}

func TestSignUpRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	req := SignUpRequest{Email: "bea@example.com", Password: "password123", DisplayName: "Bea"}
	if _, err := svc.SignUp(ctx, req); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(ctx, req); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("second SignUp() error = %v, want ErrEmailTaken", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.SignUp(context.Background(), SignUpRequest{Email: "not-an-email", Password: "short", DisplayName: ""})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("SignUp() error = %v, want ValidationError", err)
	}
	for field, tag := range map[string]string{"email": "email", "password": "min", "displayName": "required"} {
		if verr.Fields[field] != tag {
			t.Errorf("field %s = %q, want %q", field, verr.Fields[field], tag)
		}
	}
}

func TestSignInFailures(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	if _, err := svc.SignUp(ctx, SignUpRequest{Email: "cai@example.com", Password: "password123", DisplayName: "Cai"}); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}

	cases := []SignInRequest{
		{Email: "cai@example.com", Password: "wrong-password"},
		{Email: "nobody@example.com", Password: "password123"},
	}
	for _, req := range cases {
		if _, err := svc.SignIn(ctx, req); !errors.Is(err, ErrInvalidCredentials) {
			t.Errorf("SignIn(%s) error = %v, want ErrInvalidCredentials", req.Email, err)
		}
	}
}
