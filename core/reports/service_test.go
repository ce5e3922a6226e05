package reports_test

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/config"
	"setu/core/auth"
	"setu/core/lifecycle"
	"setu/core/live"
	"setu/core/media"
	"setu/core/reports"
	"setu/core/store"
	"setu/core/store/storetest"
	"setu/core/utils"
)

var png = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type submitted struct {
	mu  sync.Mutex
	ids []string
}

func (s *submitted) Submit(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return true
}

// failingStorage fails every Put after the first n.
type failingStorage struct {
	media.Storage
	mu      sync.Mutex
	allowed int
}

func (f *failingStorage) Put(ctx context.Context, key, ct string, r io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowed == 0 {
		return "", errors.New("bucket unavailable")
	}
	f.allowed--
	return f.Storage.Put(ctx, key, ct, r)
}

type fixture struct {
	db       *store.DB
	svc      *reports.Service
	engine   *lifecycle.Engine
	hub      *live.Hub
	mediaDir string
	queue    *submitted
	citizen  auth.Viewer
	ngo      auth.Viewer
}

func newFixture(t *testing.T, storage func(media.Storage) media.Storage) *fixture {
	t.Helper()
	db := storetest.Open(t)
	dir := t.TempDir()
	local, err := media.NewLocal(dir, "http://localhost/media")
	require.NoError(t, err)
	var backend media.Storage = local
	if storage != nil {
		backend = storage(local)
	}
	hub := live.NewHub(utils.NopLogger())
	t.Cleanup(hub.Close)
	rules, err := lifecycle.NewRules()
	require.NoError(t, err)
	rs := store.NewReportsStore(db)
	engine := lifecycle.NewEngine(rs, rules, config.Defaults().Points, hub, utils.NopLogger())
	queue := &submitted{}
	svc := reports.NewService(rs, media.NewUploader(backend, 1<<20, utils.NopLogger()), engine, hub, queue, config.Defaults().Feeds, utils.NopLogger())
	viewer := func(u *store.User) auth.Viewer {
		return auth.Viewer{UserID: u.ID, DisplayName: u.DisplayName, Email: u.Email, Role: u.Role}
	}
	return &fixture{
		db: db, svc: svc, engine: engine, hub: hub, mediaDir: dir, queue: queue,
		citizen: viewer(storetest.SeedUser(t, db, store.RoleCitizen, "citizen")),
		ngo:     viewer(storetest.SeedUser(t, db, store.RoleNGO, "ngo")),
	}
}

func photos(n int) []reports.Upload {
	out := make([]reports.Upload, n)
	for i := range out {
		out[i] = reports.Upload{Filename: "p.png", Body: bytes.NewReader(png)}
	}
	return out
}

func newReport(n int) reports.NewReport {
	return reports.NewReport{Title: "Overflowing bins", Category: "garbage", Latitude: 18.5, Longitude: 73.8, Photos: photos(n)}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	n := 0
	_ = filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			n++
		}
		return nil
	})
	return n
}

func TestCreateStoresPhotosAndQueuesVerification(t *testing.T) {
	f := newFixture(t, nil)
	r, created, err := f.svc.Create(context.Background(), f.citizen, newReport(2))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, store.CategoryGarbage, r.Category)
	assert.Equal(t, store.StatusPendingVerification, r.Status)
	require.Len(t, r.PhotoURLs, 2)
	assert.True(t, strings.HasPrefix(r.PhotoURLs[0], "http://localhost/media/reports/"))
	assert.Equal(t, []string{r.ID}, f.queue.ids)
	assert.Equal(t, 2, countFiles(t, f.mediaDir))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, _, err := f.svc.Create(ctx, f.ngo, newReport(1))
	require.ErrorIs(t, err, lifecycle.ErrRoleNotAllowed)

	cases := map[string]func(*reports.NewReport){
		"title":     func(n *reports.NewReport) { n.Title = "  " },
		"category":  func(n *reports.NewReport) { n.Category = "Noise" },
		"photos":    func(n *reports.NewReport) { n.Photos = photos(4) },
		"latitude":  func(n *reports.NewReport) { n.Latitude = 91 },
		"longitude": func(n *reports.NewReport) { n.Longitude = -181 },
	}
	for field, mutate := range cases {
		in := newReport(1)
		mutate(&in)
		_, _, err := f.svc.Create(ctx, f.citizen, in)
		var verr *reports.ValidationError
		require.ErrorAs(t, err, &verr, field)
		assert.Equal(t, field, verr.Field)
	}

	in := newReport(1)
	in.Photos = []reports.Upload{{Filename: "x.txt", Body: strings.NewReader("plain text")}}
	_, _, err = f.svc.Create(ctx, f.citizen, in)
	var verr *reports.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "media.notImage", verr.Key)
	assert.Equal(t, 0, countFiles(t, f.mediaDir))
}

func TestCreateCleansUpUploadsOnFailure(t *testing.T) {
	f := newFixture(t, func(s media.Storage) media.Storage { return &failingStorage{Storage: s, allowed: 2} })
	_, _, err := f.svc.Create(context.Background(), f.citizen, newReport(3))
	require.Error(t, err)
	assert.True(t, utils.IsRetryable(err))
	assert.Equal(t, 0, countFiles(t, f.mediaDir))
	items, err := f.svc.List(context.Background(), reports.MineFilter(f.citizen, 0))
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreateIdempotentSubmission(t *testing.T) {
	f := newFixture(t, nil)
	in := newReport(1)
	in.SubmissionID = "device-42"
	first, created, err := f.svc.Create(context.Background(), f.citizen, in)
	require.NoError(t, err)
	require.True(t, created)
	in.Photos = photos(1)
	second, created, err := f.svc.Create(context.Background(), f.citizen, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, countFiles(t, f.mediaDir))
}

func TestUpdateOnlyByAuthorAndNeverStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r, _, err := f.svc.Create(ctx, f.citizen, newReport(1))
	require.NoError(t, err)

	title := "Bins cleared partially"
	updated, err := f.svc.Update(ctx, f.citizen, r.ID, reports.Patch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, store.StatusPendingVerification, updated.Status)

	_, err = f.svc.Update(ctx, f.ngo, r.ID, reports.Patch{Title: &title})
	require.ErrorIs(t, err, reports.ErrForbidden)

	_, err = f.svc.Update(ctx, f.citizen, "missing", reports.Patch{Title: &title})
	require.ErrorIs(t, err, reports.ErrNotFound)
}

func TestCompleteRequiresAssigneeAndPhoto(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r, _, err := f.svc.Create(ctx, f.citizen, newReport(1))
	require.NoError(t, err)
	_, err = f.engine.Transition(ctx, lifecycle.Request{ReportID: r.ID, To: store.StatusVerified, Actor: lifecycle.SystemActor})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, f.ngo, r.ID)
	require.NoError(t, err)

	other := auth.Viewer{UserID: storetest.SeedUser(t, f.db, store.RoleNGO, "other").ID, Role: store.RoleNGO}
	_, err = f.svc.Complete(ctx, other, r.ID, &reports.Upload{Filename: "a.png", Body: bytes.NewReader(png)})
	require.ErrorIs(t, err, lifecycle.ErrNotAssignee)
	assert.Equal(t, 1, countFiles(t, f.mediaDir), "rejected completion must not leave an upload")

	_, err = f.svc.Complete(ctx, f.ngo, r.ID, nil)
	require.ErrorIs(t, err, lifecycle.ErrPhotoRequired)

	done, err := f.svc.Complete(ctx, f.ngo, r.ID, &reports.Upload{Filename: "after.png", Body: bytes.NewReader(png)})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Contains(t, done.AfterPhotoURL, "/completions/"+r.ID+"/")
}

func TestVolunteersAndVolunteeredFeed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r, _, err := f.svc.Create(ctx, f.citizen, newReport(1))
	require.NoError(t, err)
	_, err = f.engine.Transition(ctx, lifecycle.Request{ReportID: r.ID, To: store.StatusVerified, Actor: lifecycle.SystemActor})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, f.ngo, r.ID)
	require.NoError(t, err)

	res, err := f.svc.Volunteer(ctx, f.citizen, r.ID)
	require.NoError(t, err)
	assert.True(t, res.Created)
	vols, err := f.svc.Volunteers(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, f.citizen.UserID, vols[0].UserID)
	mine, err := f.svc.Volunteered(ctx, f.citizen, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, r.ID, mine[0].ID)
}

func TestSubscribePushesMatchingChanges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sub, err := f.svc.Subscribe(ctx, reports.AssignedFilter(f.ngo, 0))
	require.NoError(t, err)
	defer sub.Close()

	initial := <-sub.C
	assert.Empty(t, initial)

	r, _, err := f.svc.Create(ctx, f.citizen, newReport(1))
	require.NoError(t, err)
	_, err = f.engine.Transition(ctx, lifecycle.Request{ReportID: r.ID, To: store.StatusVerified, Actor: lifecycle.SystemActor})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, f.ngo, r.ID)
	require.NoError(t, err)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case snap := <-sub.C:
			if len(snap) == 1 && snap[0].ID == r.ID && snap[0].Status == store.StatusInProgress {
				sub.Close()
				_, open := <-sub.C
				assert.False(t, open)
				return
			}
		case <-deadline:
			t.Fatalf("assigned subscription never saw the accepted report")
		}
	}
}

// replyLostStore returns an error from ApplyTransition; with commit set the
// write lands first.
type replyLostStore struct {
	store.ReportsStore
	commit bool
}

func (s *replyLostStore) ApplyTransition(ctx context.Context, w store.TransitionWrite) (*store.Report, bool, error) {
	if s.commit {
		if _, _, err := s.ReportsStore.ApplyTransition(ctx, w); err != nil {
			return nil, false, err
		}
	}
	return nil, false, driver.ErrBadConn
}

func acceptedReport(t *testing.T, f *fixture) *store.Report {
	t.Helper()
	ctx := context.Background()
	r, _, err := f.svc.Create(ctx, f.citizen, newReport(1))
	require.NoError(t, err)
	_, err = f.engine.Transition(ctx, lifecycle.Request{ReportID: r.ID, To: store.StatusVerified, Actor: lifecycle.SystemActor})
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, f.ngo, r.ID)
	require.NoError(t, err)
	return r
}

func completionService(t *testing.T, f *fixture, commit bool) *reports.Service {
	t.Helper()
	local, err := media.NewLocal(f.mediaDir, "http://localhost/media")
	require.NoError(t, err)
	rules, err := lifecycle.NewRules()
	require.NoError(t, err)
	rs := &replyLostStore{ReportsStore: store.NewReportsStore(f.db), commit: commit}
	engine := lifecycle.NewEngine(rs, rules, config.Defaults().Points, f.hub, utils.NopLogger())
	return reports.NewService(rs, media.NewUploader(local, 1<<20, utils.NopLogger()), engine, f.hub, f.queue, config.Defaults().Feeds, utils.NopLogger())
}

func TestCompleteKeepsPhotoWhenWriteCommitted(t *testing.T) {
	f := newFixture(t, nil)
	r := acceptedReport(t, f)
	svc := completionService(t, f, true)

	done, err := svc.Complete(context.Background(), f.ngo, r.ID, &reports.Upload{Filename: "after.png", Body: bytes.NewReader(png)})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, done.Status)
	assert.Equal(t, 2, countFiles(t, f.mediaDir), "stored after photo must survive")

	stored, err := f.svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, done.AfterPhotoURL, stored.AfterPhotoURL)
}

func TestCompleteDiscardsPhotoWhenWriteLost(t *testing.T) {
	f := newFixture(t, nil)
	r := acceptedReport(t, f)
	svc := completionService(t, f, false)

	_, err := svc.Complete(context.Background(), f.ngo, r.ID, &reports.Upload{Filename: "after.png", Body: bytes.NewReader(png)})
	require.Error(t, err)
	assert.True(t, utils.IsRetryable(err))
	assert.Equal(t, 1, countFiles(t, f.mediaDir))

	done, err := f.svc.Complete(context.Background(), f.ngo, r.ID, &reports.Upload{Filename: "after.png", Body: bytes.NewReader(png)})
	require.NoError(t, err, "retry after a lost write must succeed")
	assert.Equal(t, store.StatusCompleted, done.Status)
}
