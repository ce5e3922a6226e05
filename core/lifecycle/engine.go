package lifecycle

import (
	"context"
	"errors"
	"strings"

	"setu/config"
	"setu/core/metrics"
	"setu/core/store"
	"setu/core/utils"
)

var (
	ErrNotFound          = errors.New("report not found")
	ErrInvalidTransition = errors.New("transition not allowed from current status")
	ErrRoleNotAllowed    = errors.New("role may not perform this transition")
	ErrNotAssignee       = errors.New("only the assigned ngo may complete the report")
	ErrPhotoRequired     = errors.New("completion requires an after photo")
	// ErrConflict means another actor changed the report first.
	ErrConflict = errors.New("report already taken")
)

const (
	ReasonReportVerified = "report_verified"
	ReasonAccepted       = "report_accepted"
	ReasonCompleted      = "report_completed"
	ReasonVolunteered    = "report_volunteered"
)

// Actor is who asks for a change. Role may be store.RoleSystem.
type Actor struct {
	ID    string
	Name  string
	Email string
	Role  store.Role
}

// SystemActor is used by the verification worker.
var SystemActor = Actor{ID: "system", Name: "system", Role: store.RoleSystem}

type Request struct {
	ReportID       string
	To             store.Status
	Actor          Actor
	AfterPhotoURL  string
	Classification *store.Classification
}

type VolunteerResult struct {
	Volunteer store.Volunteer
	Created   bool
}

// Notifier is told about every accepted change after it has been committed.
type Notifier interface {
	ReportChanged(ctx context.Context, report *store.Report)
	PointsChanged(ctx context.Context, userIDs ...string)
}

// Notifiers fans a change out to several notifiers in order.
type Notifiers []Notifier

func (n Notifiers) ReportChanged(ctx context.Context, report *store.Report) {
	for _, x := range n {
		if x != nil {
			x.ReportChanged(ctx, report)
		}
	}
}

func (n Notifiers) PointsChanged(ctx context.Context, userIDs ...string) {
	for _, x := range n {
		if x != nil {
			x.PointsChanged(ctx, userIDs...)
		}
	}
}

type Engine struct {
	reports store.ReportsStore
	rules   *Rules
	points  config.PointsConfig
	notify  Notifier
	metrics *metrics.Metrics
	logger  *utils.Logger
}

func NewEngine(reports store.ReportsStore, rules *Rules, points config.PointsConfig, notify Notifier, logger *utils.Logger) *Engine {
	return &Engine{reports: reports, rules: rules, points: points, notify: notify, logger: logger}
}

func (e *Engine) Rules() *Rules { return e.rules }

// WithMetrics makes the engine count transitions, rejections and grants.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Transition moves a report along its only outgoing edge. Every rejection
// leaves the report untouched.
func (e *Engine) Transition(ctx context.Context, req Request) (*store.Report, error) {
	report, err := e.transition(ctx, req)
	if err != nil && !utils.IsRetryable(err) {
		e.metrics.Rejection(rejectionReason(err))
	}
	return report, err
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrRoleNotAllowed):
		return "role"
	case errors.Is(err, ErrNotAssignee):
		return "not_assignee"
	case errors.Is(err, ErrPhotoRequired):
		return "photo_required"
	case errors.Is(err, ErrConflict):
		return "conflict"
	}
	return "other"
}

// Authorize checks the edge, the role and the assignment for moving current
// to the given status. It does not look at request payloads such as photos.
func (e *Engine) Authorize(current *store.Report, to store.Status, actor Actor) (Edge, error) {
	edge, ok := edgeFrom(current.Status)
	if !ok || edge.To != to {
		return Edge{}, ErrInvalidTransition
	}
	if !e.rules.RoleAllowed(actor.Role, edge.From, edge.To) {
		return Edge{}, ErrRoleNotAllowed
	}
	isAssignee := current.AssignedNgoID != "" && current.AssignedNgoID == actor.ID
	if !e.rules.CanTransition(actor.Role, edge.From, edge.To, isAssignee) {
		return Edge{}, ErrNotAssignee
	}
	return edge, nil
}

func (e *Engine) transition(ctx context.Context, req Request) (*store.Report, error) {
	to, ok := store.ParseStatus(string(req.To))
	if !ok {
		return nil, ErrInvalidTransition
	}
	current, err := e.reports.GetReport(ctx, req.ReportID)
	if err != nil {
		return nil, utils.Retryable("load report", err)
	}
	if current == nil {
		return nil, ErrNotFound
	}
	edge, err := e.Authorize(current, to, req.Actor)
	if err != nil {
		return nil, err
	}

	w := store.TransitionWrite{ReportID: current.ID, From: edge.From, To: edge.To}
	switch edge.To {
	case store.StatusVerified:
		w.Classification = req.Classification
		w.Grant = e.grant(current.AuthorID, ReasonReportVerified, current.ID, e.points.ReportVerified)
	case store.StatusInProgress:
		w.AssignNgoID = req.Actor.ID
		w.AssignNgoName = req.Actor.Name
		w.Grant = e.grant(req.Actor.ID, ReasonAccepted, current.ID, e.points.Accept)
	case store.StatusCompleted:
		photo := strings.TrimSpace(req.AfterPhotoURL)
		if photo == "" {
			return nil, ErrPhotoRequired
		}
		w.AfterPhotoURL = photo
		w.Completed = true
		w.RequireAssigneeID = req.Actor.ID
		w.Grant = e.grant(req.Actor.ID, ReasonCompleted, current.ID, e.points.Complete)
	}

	updated, granted, err := e.reports.ApplyTransition(ctx, w)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflict
		}
		landed := e.landed(ctx, current, w)
		if landed == nil {
			return nil, utils.Retryable("apply transition", err)
		}
		e.logger.Errorf("report %s: transition to %s committed despite error: %v", current.ID, edge.To, err)
		updated = landed
		// The grant was journaled with the write; its novelty is unknown.
		granted = w.Grant != nil
	} else if granted {
		e.metrics.PointsGranted(w.Grant.Reason, w.Grant.Amount)
	}
	e.logger.Printf("report %s: %s -> %s by %s (%s)", current.ID, edge.From, edge.To, req.Actor.ID, req.Actor.Role)
	e.metrics.Transition(string(edge.To))
	if e.notify != nil {
		e.notify.ReportChanged(ctx, updated)
		if granted {
			e.notify.PointsChanged(ctx, w.Grant.UserID)
		}
	}
	return updated, nil
}

// landed re-reads a report after a failed write and returns it when it shows
// exactly the state w would have produced from current.
func (e *Engine) landed(ctx context.Context, current *store.Report, w store.TransitionWrite) *store.Report {
	after, err := e.reports.GetReport(context.WithoutCancel(ctx), current.ID)
	if err != nil || after == nil {
		return nil
	}
	if after.Status != w.To || after.Version != current.Version+1 {
		return nil
	}
	if w.AssignNgoID != "" && after.AssignedNgoID != w.AssignNgoID {
		return nil
	}
	if w.AfterPhotoURL != "" && after.AfterPhotoURL != w.AfterPhotoURL {
		return nil
	}
	return after
}

// Volunteer records a citizen on an in-progress report. Repeating the call
// returns the existing record with Created false and grants nothing.
func (e *Engine) Volunteer(ctx context.Context, reportID string, actor Actor) (*VolunteerResult, error) {
	current, err := e.reports.GetReport(ctx, reportID)
	if err != nil {
		return nil, utils.Retryable("load report", err)
	}
	if current == nil {
		return nil, ErrNotFound
	}
	if actor.Role != store.RoleCitizen {
		return nil, ErrRoleNotAllowed
	}
	existing, err := e.reports.GetVolunteer(ctx, reportID, actor.ID)
	if err != nil {
		return nil, utils.Retryable("load volunteer", err)
	}
	if existing != nil {
		return &VolunteerResult{Volunteer: *existing}, nil
	}
	if !e.rules.CanVolunteer(actor.Role, current.Status) {
		return nil, ErrInvalidTransition
	}
	v := &store.Volunteer{ReportID: reportID, UserID: actor.ID, Name: actor.Name, Email: actor.Email}
	grant := e.grant(actor.ID, ReasonVolunteered, reportID, e.points.Volunteer)
	created, err := e.reports.AddVolunteer(ctx, v, grant)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrInvalidTransition
		}
		return nil, utils.Retryable("add volunteer", err)
	}
	if !created {
		existing, err := e.reports.GetVolunteer(ctx, reportID, actor.ID)
		if err != nil || existing == nil {
			return nil, utils.Retryable("load volunteer", errors.Join(err, store.ErrNotFound))
		}
		return &VolunteerResult{Volunteer: *existing}, nil
	}
	e.logger.Printf("report %s: volunteer %s joined", reportID, actor.ID)
	if grant != nil {
		e.metrics.PointsGranted(grant.Reason, grant.Amount)
	}
	if e.notify != nil {
		if updated, err := e.reports.GetReport(ctx, reportID); err == nil && updated != nil {
			e.notify.ReportChanged(ctx, updated)
		}
		if grant != nil {
			e.notify.PointsChanged(ctx, actor.ID)
		}
	}
	return &VolunteerResult{Volunteer: *v, Created: true}, nil
}

func (e *Engine) grant(userID, reason, refID string, amount int64) *store.PointGrant {
	if amount <= 0 || userID == "" {
		return nil
	}
	return &store.PointGrant{UserID: userID, Reason: reason, RefID: refID, Amount: amount}
}
