package stats_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"setu/core/stats"
	"setu/core/store"
	"setu/core/store/storetest"
)

func TestComputeScorecard(t *testing.T) {
	cases := []struct {
		in   map[store.Category]int
		want stats.Scorecard
	}{
		{nil, stats.Scorecard{}},
		{map[store.Category]int{store.CategoryGarbage: 3, store.CategoryDeforestation: 1}, stats.Scorecard{Climate: 10, Water: 30, Land: 20, Overall: 20}},
		{map[store.Category]int{store.CategoryGarbage: 30, store.CategoryDeforestation: 2}, stats.Scorecard{Climate: 20, Water: 100, Land: 100, Overall: 73}},
	}
	for i, c := range cases {
		if diff := cmp.Diff(c.want, stats.ComputeScorecard(c.in)); diff != "" {
			t.Fatalf("case %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestGovernmentAndNGOStats(t *testing.T) {
	db := storetest.Open(t)
	ctx := context.Background()
	author := storetest.SeedUser(t, db, store.RoleCitizen, "a")
	ngo := storetest.SeedUser(t, db, store.RoleNGO, "ngo")
	storetest.SeedUser(t, db, store.RoleNGO, "ngo2")
	reports := store.NewReportsStore(db)

	done := storetest.SeedReport(t, db, author, "done")
	storetest.SeedReport(t, db, author, "open")
	steps := []store.TransitionWrite{
		{ReportID: done.ID, From: store.StatusPendingVerification, To: store.StatusVerified},
		{ReportID: done.ID, From: store.StatusVerified, To: store.StatusInProgress, AssignNgoID: ngo.ID,
			Grant: &store.PointGrant{UserID: ngo.ID, Reason: "accept", RefID: done.ID, Amount: 5}},
		{ReportID: done.ID, From: store.StatusInProgress, To: store.StatusCompleted, RequireAssigneeID: ngo.ID, AfterPhotoURL: "x", Completed: true},
	}
	for _, w := range steps {
		if _, _, err := reports.ApplyTransition(ctx, w); err != nil {
			t.Fatalf("transition to %s: %v", w.To, err)
		}
	}

	svc := stats.NewService(reports, store.NewUsersStore(db), nil)
	gov, err := svc.Government(ctx)
	if err != nil {
		t.Fatalf("government: %v", err)
	}
	if diff := cmp.Diff(&stats.Government{Completed: 1, Pending: 1, Total: 2, CompletionRate: 50, NGOs: 2}, gov); diff != "" {
		t.Fatalf("government (-want +got):\n%s", diff)
	}
	mine, err := svc.NGO(ctx, ngo.ID)
	if err != nil {
		t.Fatalf("ngo: %v", err)
	}
	want := &stats.NGO{Assigned: 1, Completed: 1, Points: 5, Scorecard: stats.Scorecard{Water: 10, Land: 5, Overall: 5}}
	if diff := cmp.Diff(want, mine); diff != "" {
		t.Fatalf("ngo (-want +got):\n%s", diff)
	}
}
