package reports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"setu/config"
	"setu/core/auth"
	"setu/core/lifecycle"
	"setu/core/live"
	"setu/core/media"
	"setu/core/store"
	"setu/core/utils"
)

const (
	MaxPhotos         = 3
	maxTitleLen       = 200
	maxDescriptionLen = 5000
	updateAttempts    = 3
)

var (
	ErrNotFound  = lifecycle.ErrNotFound
	ErrForbidden = errors.New("not allowed to modify this report")
)

// ValidationError names the offending field with a message key.
type ValidationError struct {
	Field string
	Key   string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Key }

func invalid(field, key string) error { return &ValidationError{Field: field, Key: key} }

type Upload struct {
	Filename string
	Body     io.Reader
}

type NewReport struct {
	SubmissionID string
	Title        string
	Description  string
	Category     string
	Latitude     float64
	Longitude    float64
	Photos       []Upload
}

type Patch struct {
	Title       *string
	Description *string
}

// Submitter queues a report for classification.
type Submitter interface {
	Submit(reportID string) bool
}

type Service struct {
	reports  store.ReportsStore
	uploader *media.Uploader
	engine   *lifecycle.Engine
	hub      *live.Hub
	verify   Submitter
	feeds    config.FeedsConfig
	logger   *utils.Logger
}

func NewService(reports store.ReportsStore, uploader *media.Uploader, engine *lifecycle.Engine, hub *live.Hub, verify Submitter, feeds config.FeedsConfig, logger *utils.Logger) *Service {
	return &Service{reports: reports, uploader: uploader, engine: engine, hub: hub, verify: verify, feeds: feeds, logger: logger}
}

// Create stores the photos, then the report. Uploaded photos are removed when
// the report cannot be written. A repeated SubmissionID from the same author
// returns the first report with created false.
func (s *Service) Create(ctx context.Context, viewer auth.Viewer, in NewReport) (*store.Report, bool, error) {
	if viewer.Role != store.RoleCitizen {
		return nil, false, lifecycle.ErrRoleNotAllowed
	}
	category, err := validateNew(in)
	if err != nil {
		return nil, false, err
	}
	submission := strings.TrimSpace(in.SubmissionID)
	if submission != "" {
		existing, err := s.reports.FindBySubmission(ctx, viewer.UserID, submission)
		if err != nil {
			return nil, false, utils.Retryable("find submission", err)
		}
		if existing != nil {
			return existing, false, nil
		}
	}

	uploaded := make([]*media.Object, 0, len(in.Photos))
	for _, p := range in.Photos {
		obj, err := s.uploader.PutImage(ctx, "reports", p.Filename, p.Body)
		if err != nil {
			s.uploader.Discard(context.WithoutCancel(ctx), uploaded...)
			return nil, false, uploadError("photos", err)
		}
		uploaded = append(uploaded, obj)
	}
	urls := make([]string, len(uploaded))
	for i, o := range uploaded {
		urls[i] = o.URL
	}
	report := &store.Report{
		ID:           newID(),
		SubmissionID: submission,
		Title:        strings.TrimSpace(in.Title),
		Description:  strings.TrimSpace(in.Description),
		Category:     category,
		PhotoURLs:    urls,
		Location:     store.GeoPoint{Lat: in.Latitude, Lng: in.Longitude},
		AuthorID:     viewer.UserID,
		AuthorName:   viewer.DisplayName,
		Status:       store.StatusPendingVerification,
	}
	if err := s.reports.CreateReport(ctx, report); err != nil {
		s.uploader.Discard(context.WithoutCancel(ctx), uploaded...)
		if errors.Is(err, store.ErrConflict) && submission != "" {
			existing, ferr := s.reports.FindBySubmission(ctx, viewer.UserID, submission)
			if ferr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, utils.Retryable("create report", err)
	}
	s.logger.Printf("report %s created by %s", report.ID, viewer.UserID)
	s.hub.ReportChanged(ctx, report)
	if s.verify != nil && !s.verify.Submit(report.ID) {
		s.logger.Debugf("report %s: verification deferred to sweeper", report.ID)
	}
	return report, true, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.Report, error) {
	r, err := s.reports.GetReport(ctx, id)
	if err != nil {
		return nil, utils.Retryable("load report", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// Update merges title and description. Only the author may edit, and status
// is never touched here.
func (s *Service) Update(ctx context.Context, viewer auth.Viewer, id string, p Patch) (*store.Report, error) {
	patch := store.ReportPatch{}
	if p.Title != nil {
		t := strings.TrimSpace(*p.Title)
		if t == "" || len(t) > maxTitleLen {
			return nil, invalid("title", "reports.titleInvalid")
		}
		patch.Title = &t
	}
	if p.Description != nil {
		d := strings.TrimSpace(*p.Description)
		if len(d) > maxDescriptionLen {
			return nil, invalid("description", "reports.descriptionTooLong")
		}
		patch.Description = &d
	}
	for attempt := 0; attempt < updateAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.AuthorID != viewer.UserID {
			return nil, ErrForbidden
		}
		updated, err := s.reports.UpdateReportFields(ctx, id, patch, current.Version)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, utils.Retryable("update report", err)
		}
		s.hub.ReportChanged(ctx, updated)
		return updated, nil
	}
	return nil, lifecycle.ErrConflict
}

func (s *Service) List(ctx context.Context, f store.ReportFilter) ([]store.Report, error) {
	f.Limit = s.feeds.ClampLimit(f.Limit)
	items, err := s.reports.ListReports(ctx, f)
	if err != nil {
		return nil, utils.Retryable("list reports", err)
	}
	if items == nil {
		items = []store.Report{}
	}
	return items, nil
}

// FeedFilter is the public activity feed.
func FeedFilter(limit int) store.ReportFilter {
	return store.ReportFilter{Statuses: store.AllStatuses, Limit: limit}
}

func MineFilter(viewer auth.Viewer, limit int) store.ReportFilter {
	return store.ReportFilter{AuthorID: viewer.UserID, Limit: limit}
}

func AssignedFilter(viewer auth.Viewer, limit int) store.ReportFilter {
	return store.ReportFilter{AssignedNgoID: viewer.UserID, Limit: limit}
}

func (s *Service) Volunteered(ctx context.Context, viewer auth.Viewer, limit int) ([]store.Report, error) {
	items, err := s.reports.ListVolunteeredReports(ctx, viewer.UserID, s.feeds.ClampLimit(limit))
	if err != nil {
		return nil, utils.Retryable("list volunteered", err)
	}
	if items == nil {
		items = []store.Report{}
	}
	return items, nil
}

// Subscribe pushes the current result set now and again whenever it changes.
func (s *Service) Subscribe(ctx context.Context, f store.ReportFilter) (*live.Subscription[[]store.Report], error) {
	f.Limit = s.feeds.ClampLimit(f.Limit)
	query := func(ctx context.Context) ([]store.Report, error) { return s.List(ctx, f) }
	return live.Watch(ctx, s.hub, live.TopicReports, query, snapshotSignature, s.logger)
}

func (s *Service) Accept(ctx context.Context, viewer auth.Viewer, id string) (*store.Report, error) {
	return s.engine.Transition(ctx, lifecycle.Request{ReportID: id, To: store.StatusInProgress, Actor: viewer.Actor()})
}

// Complete uploads the after photo and closes the report. The photo is removed
// again when the transition is rejected.
func (s *Service) Complete(ctx context.Context, viewer auth.Viewer, id string, after *Upload) (*store.Report, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.engine.Authorize(current, store.StatusCompleted, viewer.Actor()); err != nil {
		return nil, err
	}
	if after == nil || after.Body == nil {
		return nil, lifecycle.ErrPhotoRequired
	}
	obj, err := s.uploader.PutImage(ctx, fmt.Sprintf("completions/%s", id), after.Filename, after.Body)
	if err != nil {
		return nil, uploadError("after_photo", err)
	}
	r, err := s.engine.Transition(ctx, lifecycle.Request{ReportID: id, To: store.StatusCompleted, Actor: viewer.Actor(), AfterPhotoURL: obj.URL})
	if err != nil {
		if !utils.IsRetryable(err) || !s.photoMaybeStored(ctx, id, obj.URL) {
			s.uploader.Discard(context.WithoutCancel(ctx), obj)
		}
		return nil, err
	}
	return r, nil
}

// photoMaybeStored reports whether the report may reference url after a
// failed completion. An unreadable report counts as referencing it.
func (s *Service) photoMaybeStored(ctx context.Context, id, url string) bool {
	r, err := s.reports.GetReport(context.WithoutCancel(ctx), id)
	if err != nil {
		return true
	}
	return r != nil && r.AfterPhotoURL == url
}

func (s *Service) Volunteer(ctx context.Context, viewer auth.Viewer, id string) (*lifecycle.VolunteerResult, error) {
	return s.engine.Volunteer(ctx, id, viewer.Actor())
}

func (s *Service) Volunteers(ctx context.Context, id string) ([]store.Volunteer, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.reports.ListVolunteers(ctx, id)
	if err != nil {
		return nil, utils.Retryable("list volunteers", err)
	}
	if items == nil {
		items = []store.Volunteer{}
	}
	return items, nil
}

func validateNew(in NewReport) (store.Category, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" || len(title) > maxTitleLen {
		return "", invalid("title", "reports.titleInvalid")
	}
	if len(strings.TrimSpace(in.Description)) > maxDescriptionLen {
		return "", invalid("description", "reports.descriptionTooLong")
	}
	category, ok := store.ParseCategory(in.Category)
	if !ok {
		return "", invalid("category", "reports.categoryInvalid")
	}
	if len(in.Photos) == 0 || len(in.Photos) > MaxPhotos {
		return "", invalid("photos", "reports.photoCount")
	}
	if in.Latitude < -90 || in.Latitude > 90 {
		return "", invalid("latitude", "reports.locationInvalid")
	}
	if in.Longitude < -180 || in.Longitude > 180 {
		return "", invalid("longitude", "reports.locationInvalid")
	}
	return category, nil
}

func uploadError(field string, err error) error {
	switch {
	case errors.Is(err, media.ErrNotImage):
		return invalid(field, "media.notImage")
	case errors.Is(err, media.ErrTooLarge):
		return invalid(field, "media.tooLarge")
	case errors.Is(err, media.ErrEmpty):
		return invalid(field, "media.empty")
	}
	return utils.Retryable("upload", err)
}

func snapshotSignature(items []store.Report) string {
	var b strings.Builder
	for _, r := range items {
		b.WriteString(r.ID)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(r.Version))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(r.UpdatedAt.UnixNano(), 10))
		b.WriteByte(';')
	}
	return b.String()
}
