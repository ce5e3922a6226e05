package classify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"setu/config"
	"setu/core/classify"
	"setu/core/lifecycle"
	"setu/core/store"
	"setu/core/store/storetest"
	"setu/core/utils"
)

func classifierServer(t *testing.T, handler http.HandlerFunc) *classify.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.Defaults().Classify
	cfg.Endpoint = srv.URL + "/classify"
	cfg.Timeout = 2 * time.Second
	cfg.RatePerSec = 0
	return classify.NewClient(cfg)
}

func respond(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestClientDecodesAndClassifiesErrors(t *testing.T) {
	var got map[string]string
	client := classifierServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		respond(200, map[string]any{"category": "garbage", "severity": 140.4, "severity_level": "high", "scale": "large"})(w, r)
	})
	res, err := client.Classify(context.Background(), "https://img/1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://img/1.jpg", got["image_url"])
	c := res.Classification()
	assert.Equal(t, 100, *c.Severity)
	assert.False(t, res.Rejected())

	bad := classifierServer(t, respond(400, map[string]string{"detail": "image unreadable"}))
	_, err = bad.Classify(context.Background(), "https://img/2.jpg")
	var herr *classify.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "image unreadable", herr.Detail)
	assert.False(t, utils.IsRetryable(err))

	down := classifierServer(t, respond(503, map[string]string{"detail": "warming up"}))
	_, err = down.Classify(context.Background(), "https://img/3.jpg")
	assert.True(t, utils.IsRetryable(err))
}

type verifyFixture struct {
	db      *store.DB
	reports store.ReportsStore
	report  *store.Report
	author  *store.User
}

func newVerifyFixture(t *testing.T) *verifyFixture {
	db := storetest.Open(t)
	author := storetest.SeedUser(t, db, store.RoleCitizen, "author")
	return &verifyFixture{db: db, reports: store.NewReportsStore(db), report: storetest.SeedReport(t, db, author, "dump"), author: author}
}

func (f *verifyFixture) verifier(t *testing.T, client classify.Classifier) *classify.Verifier {
	rules, err := lifecycle.NewRules()
	require.NoError(t, err)
	engine := lifecycle.NewEngine(f.reports, rules, config.Defaults().Points, nil, utils.NopLogger())
	return classify.NewVerifier(client, f.reports, engine, nil, utils.NopLogger())
}

func TestVerifierMovesReportToVerified(t *testing.T) {
	f := newVerifyFixture(t)
	v := f.verifier(t, classifierServer(t, respond(200, map[string]any{"category": "garbage", "severity": 55, "severity_level": "medium", "scale": "small"})))
	require.NoError(t, v.VerifyReport(context.Background(), f.report.ID))

	r, err := f.reports.GetReport(context.Background(), f.report.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusVerified, r.Status)
	assert.Equal(t, "medium", r.Classification.SeverityLevel)
	u, _ := store.NewUsersStore(f.db).GetUser(context.Background(), f.author.ID)
	assert.EqualValues(t, 5, u.Points)

	// A second run is a no-op.
	require.NoError(t, v.VerifyReport(context.Background(), f.report.ID))
}

func TestVerifierRecordsRejectAndFailures(t *testing.T) {
	f := newVerifyFixture(t)
	ctx := context.Background()
	v := f.verifier(t, classifierServer(t, respond(200, map[string]any{"category": "reject"})))
	require.ErrorIs(t, v.VerifyReport(ctx, f.report.ID), classify.ErrRejected)
	r, _ := f.reports.GetReport(ctx, f.report.ID)
	assert.Equal(t, store.StatusPendingVerification, r.Status)
	assert.Equal(t, 1, r.ClassifyAttempts)
	ids, _ := f.reports.ListPendingForRetry(ctx, 5, 10)
	assert.Empty(t, ids, "rejected reports are not retried")

	other := storetest.SeedReport(t, f.db, f.author, "flaky")
	v = f.verifier(t, classifierServer(t, respond(502, map[string]string{"detail": "bad gateway"})))
	err := v.VerifyReport(ctx, other.ID)
	require.Error(t, err)
	assert.True(t, utils.IsRetryable(err))
	ids, _ = f.reports.ListPendingForRetry(ctx, 5, 10)
	assert.Equal(t, []string{other.ID}, ids)
	r, _ = f.reports.GetReport(ctx, other.ID)
	assert.Contains(t, r.ClassifyError, "bad gateway")
}

func TestPoolAndSweeperRetryPending(t *testing.T) {
	f := newVerifyFixture(t)
	ctx := context.Background()
	var calls atomic.Int64
	var failing atomic.Bool
	failing.Store(true)
	client := classifierServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			respond(503, map[string]string{"detail": "busy"})(w, r)
			return
		}
		respond(200, map[string]any{"category": "garbage"})(w, r)
	})
	v := f.verifier(t, client)
	require.Error(t, v.VerifyReport(ctx, f.report.ID))
	failing.Store(false)

	pool := classify.NewPool(v.VerifyReport, 2, 8, utils.NopLogger())
	pool.StartWithContext(ctx)
	defer func() { require.NoError(t, pool.StopWithContext(context.Background())) }()

	sweeper := classify.NewSweeper(f.reports, pool, "@every 1h", 5, utils.NopLogger())
	assert.Equal(t, 1, sweeper.RunOnce(ctx))

	require.Eventually(t, func() bool {
		r, err := f.reports.GetReport(ctx, f.report.ID)
		return err == nil && r.Status == store.StatusVerified
	}, 3*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())

	require.NoError(t, sweeper.StartWithContext(ctx))
	require.NoError(t, sweeper.StopWithContext(context.Background()))
}

func TestPoolDeduplicatesQueuedReports(t *testing.T) {
	block := make(chan struct{})
	pool := classify.NewPool(func(ctx context.Context, id string) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return errors.New("done")
	}, 1, 4, utils.NopLogger())
	assert.True(t, pool.Submit("a"))
	assert.False(t, pool.Submit("a"))
	assert.True(t, pool.Submit("b"))
	pool.StartWithContext(context.Background())
	close(block)
	require.NoError(t, pool.StopWithContext(context.Background()))
}
