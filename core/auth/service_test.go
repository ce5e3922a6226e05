package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"setu/core/auth"
	"setu/core/store"
	"setu/core/store/storetest"
	"setu/core/utils"
)

func newService(t *testing.T, ttl time.Duration) *auth.Service {
	t.Helper()
	db := storetest.Open(t)
	sessions := auth.NewSessionManager(store.NewSessionsStore(db), ttl, utils.NopLogger())
	return auth.NewService(store.NewUsersStore(db), sessions, utils.NopLogger()).WithBcryptCost(bcrypt.MinCost)
}

func TestSignUpSignInCurrentSignOut(t *testing.T) {
	svc := newService(t, time.Hour)
	ctx := context.Background()
	user, sess, err := svc.SignUp(ctx, auth.SignUp{Email: "Ravi@Example.org", Password: "correct horse", DisplayName: "Ravi", Role: "ngo", City: "Pune"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Role != store.RoleNGO || user.Email != "ravi@example.org" {
		t.Fatalf("unexpected user: %+v", user)
	}
	viewer, err := svc.Current(ctx, sess.Token)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if viewer.UserID != user.ID || viewer.Role != store.RoleNGO || viewer.City != "Pune" {
		t.Fatalf("unexpected viewer: %+v", viewer)
	}

	if _, _, err := svc.SignIn(ctx, "ravi@example.org", "wrong password"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	_, second, err := svc.SignIn(ctx, "RAVI@example.org", "correct horse")
	if err != nil {
		t.Fatalf("signin: %v", err)
	}
	if err := svc.SignOut(ctx, second.Token); err != nil {
		t.Fatalf("signout: %v", err)
	}
	if _, err := svc.Current(ctx, second.Token); !errors.Is(err, auth.ErrSessionInvalid) {
		t.Fatalf("expected revoked session, got %v", err)
	}
	if _, err := svc.Current(ctx, sess.Token); err != nil {
		t.Fatalf("first session should survive: %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc := newService(t, time.Hour)
	ctx := context.Background()
	base := auth.SignUp{Email: "a@example.org", Password: "longenough", DisplayName: "A", Role: "citizen"}

	cases := map[string]struct {
		mutate func(*auth.SignUp)
		want   error
	}{
		"role":     {func(s *auth.SignUp) { s.Role = "system" }, auth.ErrInvalidRole},
		"email":    {func(s *auth.SignUp) { s.Email = "nope" }, auth.ErrInvalidEmail},
		"password": {func(s *auth.SignUp) { s.Password = "short" }, auth.ErrWeakPassword},
		"name":     {func(s *auth.SignUp) { s.DisplayName = " " }, auth.ErrNameRequired},
		"city":     {func(s *auth.SignUp) { s.City = strings.Repeat("x", 101) }, auth.ErrCityInvalid},
		"address":  {func(s *auth.SignUp) { s.Email = "A <a@example.org>" }, auth.ErrInvalidEmail},
	}
	for name, c := range cases {
		in := base
		c.mutate(&in)
		if _, _, err := svc.SignUp(ctx, in); !errors.Is(err, c.want) {
			t.Fatalf("%s: expected %v, got %v", name, c.want, err)
		}
	}
	if _, _, err := svc.SignUp(ctx, base); err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, _, err := svc.SignUp(ctx, base); !errors.Is(err, auth.ErrEmailTaken) {
		t.Fatalf("expected email taken, got %v", err)
	}
}

func TestExpiredSessionRejected(t *testing.T) {
	svc := newService(t, time.Millisecond)
	ctx := context.Background()
	_, sess, err := svc.SignUp(ctx, auth.SignUp{Email: "b@example.org", Password: "longenough", DisplayName: "B", Role: "citizen"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := svc.Current(ctx, sess.Token); !errors.Is(err, auth.ErrSessionInvalid) {
		t.Fatalf("expected expired session, got %v", err)
	}
	if n, err := svc.Sessions().Purge(ctx); err != nil || n != 1 {
		t.Fatalf("purge: %d %v", n, err)
	}
}

func TestViewerContextIsACopy(t *testing.T) {
	v := &auth.Viewer{UserID: "u", Role: store.RoleCitizen}
	ctx := auth.WithViewer(context.Background(), v)
	v.Role = store.RoleGovernment
	got, ok := auth.ViewerFromContext(ctx)
	if !ok || got.Role != store.RoleCitizen {
		t.Fatalf("viewer snapshot changed: %+v", got)
	}
}

func TestSignInUnknownEmail(t *testing.T) {
	svc := newService(t, time.Hour)
	if _, _, err := svc.SignIn(context.Background(), "ghost@example.org", "whatever"); !errors.Is(err, auth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	svc := newService(t, time.Hour)
	ctx := context.Background()
	_, sess, err := svc.SignUp(ctx, auth.SignUp{Email: "c@example.org", Password: "longenough", DisplayName: "C", Role: "citizen", City: "Pune"})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	viewer, err := svc.Current(ctx, sess.Token)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	name := " Chitra "
	user, err := svc.UpdateProfile(ctx, *viewer, auth.ProfileUpdate{DisplayName: &name})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if user.DisplayName != "Chitra" || user.City != "Pune" || user.Role != store.RoleCitizen {
		t.Fatalf("unexpected profile: %+v", user)
	}
	after, err := svc.Current(ctx, sess.Token)
	if err != nil || after.DisplayName != "Chitra" {
		t.Fatalf("profile not persisted: %+v %v", after, err)
	}

	blank := "  "
	if _, err := svc.UpdateProfile(ctx, *viewer, auth.ProfileUpdate{DisplayName: &blank}); !errors.Is(err, auth.ErrNameRequired) {
		t.Fatalf("expected name required, got %v", err)
	}
	long := strings.Repeat("y", 101)
	if _, err := svc.UpdateProfile(ctx, *viewer, auth.ProfileUpdate{City: &long}); !errors.Is(err, auth.ErrCityInvalid) {
		t.Fatalf("expected city invalid, got %v", err)
	}
	if _, err := svc.UpdateProfile(ctx, auth.Viewer{UserID: "missing"}, auth.ProfileUpdate{}); !errors.Is(err, auth.ErrSessionInvalid) {
		t.Fatalf("expected invalid session for unknown user, got %v", err)
	}
}
