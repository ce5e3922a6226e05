// Package storetest opens migrated throwaway sqlite databases for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gofrs/uuid/v5"

	"setu/config"
	"setu/core/store"
	"setu/core/utils"
)

func Open(t testing.TB) *store.DB {
	t.Helper()
	cfg := config.Defaults()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	logger := utils.NopLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SeedUser inserts a user with the given role and returns it.
func SeedUser(t testing.TB, db *store.DB, role store.Role, name string) *store.User {
	t.Helper()
	u := &store.User{
		ID:           uuid.Must(uuid.NewV4()).String(),
		DisplayName:  name,
		Email:        name + "-" + uuid.Must(uuid.NewV4()).String()[:8] + "@example.org",
		PasswordHash: "x",
		Role:         role,
	}
	if err := store.NewUsersStore(db).CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u
}

// SeedReport inserts a pending report authored by author.
func SeedReport(t testing.TB, db *store.DB, author *store.User, title string) *store.Report {
	t.Helper()
	r := &store.Report{
		ID:         uuid.Must(uuid.NewV4()).String(),
		Title:      title,
		Category:   store.CategoryGarbage,
		PhotoURLs:  []string{"https://media.example.org/" + title + ".jpg"},
		Location:   store.GeoPoint{Lat: 19.07, Lng: 72.87},
		AuthorID:   author.ID,
		AuthorName: author.DisplayName,
	}
	if err := store.NewReportsStore(db).CreateReport(context.Background(), r); err != nil {
		t.Fatalf("seed report: %v", err)
	}
	return r
}
