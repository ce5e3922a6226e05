package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"setu/core/store"
	"setu/core/store/storetest"
)

func TestCreateUserUniqueEmail(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	users := store.NewUsersStore(db)
	u := &store.User{ID: "u1", DisplayName: "Asha", Email: "Asha@Example.org", Role: store.RoleCitizen}
	if err := users.CreateUser(ctx, u); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := &store.User{ID: "u2", DisplayName: "Other", Email: "asha@example.org", Role: store.RoleNGO}
	if err := users.CreateUser(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, err := users.GetUserByEmail(ctx, " ASHA@example.org ")
	if err != nil || got == nil || got.ID != "u1" {
		t.Fatalf("get by email: %+v %v", got, err)
	}
	missing, err := users.GetUser(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil user, got %+v %v", missing, err)
	}
}

func TestGrantIsIdempotentAndAtomic(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, db, store.RoleCitizen, "a")
	points := store.NewPointsStore(db)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := points.Grant(ctx, &store.PointGrant{UserID: u.ID, Reason: "test", RefID: fmt.Sprint(i), Amount: 3}); err != nil {
				t.Errorf("grant %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	granted, err := points.Grant(ctx, &store.PointGrant{UserID: u.ID, Reason: "test", RefID: "0", Amount: 3})
	if err != nil || granted {
		t.Fatalf("repeat grant should be a no-op: granted=%v err=%v", granted, err)
	}
	got, _ := store.NewUsersStore(db).GetUser(ctx, u.ID)
	if got.Points != 60 {
		t.Fatalf("expected 60 points, got %d", got.Points)
	}
	grants, err := points.ListGrants(ctx, u.ID)
	if err != nil || len(grants) != 20 {
		t.Fatalf("grants: %d %v", len(grants), err)
	}
	if _, err := points.Grant(ctx, &store.PointGrant{UserID: u.ID, Reason: "test", RefID: "neg", Amount: -1}); !errors.Is(err, store.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := points.Grant(ctx, &store.PointGrant{UserID: "ghost", Reason: "test", RefID: "x", Amount: 1}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown user, got %v", err)
	}
}

func TestTopByPointsStableTies(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	users := store.NewUsersStore(db)
	for _, u := range []store.User{
		{ID: "c", DisplayName: "c", Email: "c@x.org", Role: store.RoleCitizen},
		{ID: "a", DisplayName: "a", Email: "a@x.org", Role: store.RoleCitizen},
		{ID: "b", DisplayName: "b", Email: "b@x.org", Role: store.RoleNGO},
	} {
		u := u
		if err := users.CreateUser(ctx, &u); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	points := store.NewPointsStore(db)
	if _, err := points.Grant(ctx, &store.PointGrant{UserID: "b", Reason: "r", RefID: "1", Amount: 10}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	top, err := users.TopByPoints(ctx, "", 3)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 3 || top[0].ID != "b" || top[1].ID != "a" || top[2].ID != "c" {
		t.Fatalf("unexpected order: %+v", top)
	}
	citizens, _ := users.TopByPoints(ctx, store.RoleCitizen, 5)
	if len(citizens) != 2 || citizens[0].ID != "a" {
		t.Fatalf("unexpected citizen order: %+v", citizens)
	}
	n, _ := users.CountUsersByRole(ctx, store.RoleNGO)
	if n != 1 {
		t.Fatalf("expected 1 ngo, got %d", n)
	}
}

func TestChatRecentAscending(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, db, store.RoleCitizen, "a")
	chat := store.NewChatStore(db)
	for i := 0; i < 5; i++ {
		if err := chat.AddMessage(ctx, &store.ChatMessage{ID: fmt.Sprintf("m%d", i), AuthorID: u.ID, AuthorRole: u.Role, Text: fmt.Sprint(i)}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	recent, err := chat.RecentMessages(ctx, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "m2" || recent[2].ID != "m4" {
		t.Fatalf("unexpected window: %+v", recent)
	}
}

func TestSessionsLifecycle(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	u := storetest.SeedUser(t, db, store.RoleCitizen, "a")
	sessions := store.NewSessionsStore(db)
	sess := &store.SessionRecord{ID: "s1", UserID: u.ID, TokenHash: "h1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := sessions.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := sessions.GetSessionByTokenHash(ctx, "h1")
	if err != nil || got == nil || got.RevokedAt != nil {
		t.Fatalf("get: %+v %v", got, err)
	}
	if err := sessions.RevokeSession(ctx, "h1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, _ = sessions.GetSessionByTokenHash(ctx, "h1")
	if got.RevokedAt == nil {
		t.Fatalf("expected revoked session")
	}
}
