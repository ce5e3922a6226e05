package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type ReportFilter struct {
	ReportID        string
	AuthorID        string
	AssignedNgoID   string
	Statuses        []Status
	ExcludeStatuses []Status
	Limit           int
}

// Matches reports whether r belongs to the result set described by f,
// ignoring the limit.
func (f ReportFilter) Matches(r *Report) bool {
	if r == nil {
		return false
	}
	if f.ReportID != "" && r.ID != f.ReportID {
		return false
	}
	if f.AuthorID != "" && r.AuthorID != f.AuthorID {
		return false
	}
	if f.AssignedNgoID != "" && r.AssignedNgoID != f.AssignedNgoID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	if containsStatus(f.ExcludeStatuses, r.Status) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type ReportPatch struct {
	Title       *string
	Description *string
}

func (p ReportPatch) Empty() bool {
	return p.Title == nil && p.Description == nil
}

// TransitionWrite is a status change guarded by the expected current status.
// AssignNgoID requires the report to be unassigned; RequireAssigneeID requires
// it to be assigned to that user.
type TransitionWrite struct {
	ReportID          string
	From              Status
	To                Status
	AssignNgoID       string
	AssignNgoName     string
	RequireAssigneeID string
	AfterPhotoURL     string
	Completed         bool
	Classification    *Classification
	Grant             *PointGrant
}

type ClassifyOutcome struct {
	Classification *Classification
	Error          string
	Retryable      bool
}

type ReportsStore interface {
	CreateReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	FindBySubmission(ctx context.Context, authorID, submissionID string) (*Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]Report, error)
	UpdateReportFields(ctx context.Context, id string, patch ReportPatch, expectedVersion int) (*Report, error)
	ApplyTransition(ctx context.Context, w TransitionWrite) (*Report, bool, error)
	RecordClassifyOutcome(ctx context.Context, id string, outcome ClassifyOutcome) error
	ListPendingForRetry(ctx context.Context, maxAttempts, limit int) ([]string, error)

	AddVolunteer(ctx context.Context, v *Volunteer, grant *PointGrant) (bool, error)
	GetVolunteer(ctx context.Context, reportID, userID string) (*Volunteer, error)
	ListVolunteers(ctx context.Context, reportID string) ([]Volunteer, error)
	ListVolunteeredReports(ctx context.Context, userID string, limit int) ([]Report, error)

	CountByStatus(ctx context.Context, assignedNgoID string) (map[Status]int, error)
	CountByCategory(ctx context.Context, assignedNgoID string, status Status) (map[Category]int, error)
}

type reportsStore struct {
	db *DB
}

func NewReportsStore(db *DB) ReportsStore {
	return &reportsStore{db: db}
}

const reportColumns = `id, submission_id, title, description, category, photo_urls, latitude, longitude, author_id, author_name, status, assigned_ngo_id, assigned_ngo_name, after_photo_url, completed_at, ai_category, severity, severity_level, scale, classify_attempts, classify_error, created_at, updated_at, version`

func (s *reportsStore) CreateReport(ctx context.Context, report *Report) error {
	if report.Status == "" {
		report.Status = StatusPendingVerification
	}
	report.Version = 1
	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports(id, submission_id, title, description, category, photo_urls, latitude, longitude, author_id, author_name, status, created_at, updated_at, version)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		report.ID, nullableString(report.SubmissionID), report.Title, report.Description, string(report.Category), urlsToJSON(report.PhotoURLs),
		report.Location.Lat, report.Location.Lng, report.AuthorID, report.AuthorName, string(report.Status), ts, ts, report.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	report.CreatedAt = ts
	report.UpdatedAt = ts
	return nil
}

func (s *reportsStore) GetReport(ctx context.Context, id string) (*Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id)
	return scanReport(row)
}

func (s *reportsStore) FindBySubmission(ctx context.Context, authorID, submissionID string) (*Report, error) {
	if strings.TrimSpace(submissionID) == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE author_id=? AND submission_id=?`, authorID, submissionID)
	return scanReport(row)
}

func (s *reportsStore) ListReports(ctx context.Context, filter ReportFilter) ([]Report, error) {
	var clauses []string
	var args []any
	if filter.ReportID != "" {
		clauses = append(clauses, "id=?")
		args = append(args, filter.ReportID)
	}
	if filter.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, filter.AuthorID)
	}
	if filter.AssignedNgoID != "" {
		clauses = append(clauses, "assigned_ngo_id=?")
		args = append(args, filter.AssignedNgoID)
	}
	if len(filter.Statuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", placeholders(len(filter.Statuses))))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if len(filter.ExcludeStatuses) > 0 {
		clauses = append(clauses, fmt.Sprintf("status NOT IN (%s)", placeholders(len(filter.ExcludeStatuses))))
		for _, st := range filter.ExcludeStatuses {
			args = append(args, string(st))
		}
	}
	query := `SELECT ` + reportColumns + ` FROM reports`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryReports(ctx, query, args...)
}

func (s *reportsStore) UpdateReportFields(ctx context.Context, id string, patch ReportPatch, expectedVersion int) (*Report, error) {
	if patch.Empty() {
		return s.GetReport(ctx, id)
	}
	var sets []string
	var args []any
	if patch.Title != nil {
		sets = append(sets, "title=?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description=?")
		args = append(args, *patch.Description)
	}
	sets = append(sets, "updated_at=?", "version=version+1")
	args = append(args, now(), id, expectedVersion)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET `+strings.Join(sets, ", ")+` WHERE id=? AND version=?`, args...)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return nil, ErrConflict
	}
	rep, err := scanReport(tx.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, id))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rep, nil
}

// ApplyTransition writes the status change, its field patch and the optional
// point grant in one transaction. A guard that no longer holds yields
// ErrConflict and nothing is written. The returned bool reports whether the
// grant was new. The returned report is the state read back inside the
// transaction.
func (s *reportsStore) ApplyTransition(ctx context.Context, w TransitionWrite) (*Report, bool, error) {
	ts := now()
	sets := []string{"status=?", "updated_at=?", "version=version+1"}
	args := []any{string(w.To), ts}
	if w.AssignNgoID != "" {
		sets = append(sets, "assigned_ngo_id=?", "assigned_ngo_name=?")
		args = append(args, w.AssignNgoID, w.AssignNgoName)
	}
	if w.AfterPhotoURL != "" {
		sets = append(sets, "after_photo_url=?")
		args = append(args, w.AfterPhotoURL)
	}
	if w.Completed {
		sets = append(sets, "completed_at=?")
		args = append(args, ts)
	}
	if c := w.Classification; c != nil {
		sets = append(sets, "ai_category=?", "severity=?", "severity_level=?", "scale=?", "classify_error=''", "classify_retryable=0")
		args = append(args, c.Category, nullableInt(c.Severity), c.SeverityLevel, c.Scale)
	}
	where := []string{"id=?", "status=?"}
	args = append(args, w.ReportID, string(w.From))
	if w.AssignNgoID != "" {
		where = append(where, "assigned_ngo_id IS NULL")
	}
	if w.RequireAssigneeID != "" {
		where = append(where, "assigned_ngo_id=?")
		args = append(args, w.RequireAssigneeID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET `+strings.Join(sets, ", ")+` WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return nil, false, ErrConflict
	}
	granted := false
	if w.Grant != nil {
		granted, err = grantTx(ctx, tx, w.Grant)
		if err != nil {
			tx.Rollback()
			return nil, false, err
		}
	}
	// Read back before commit; after this only Commit can fail with the
	// write in an unknown state.
	rep, err := scanReport(tx.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id=?`, w.ReportID))
	if err != nil {
		tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return rep, granted, nil
}

// RecordClassifyOutcome stores a failed or negative classification on a report
// that is still awaiting verification.
func (s *reportsStore) RecordClassifyOutcome(ctx context.Context, id string, outcome ClassifyOutcome) error {
	sets := []string{"classify_attempts=classify_attempts+1", "classify_error=?", "classify_retryable=?", "updated_at=?"}
	args := []any{outcome.Error, boolToInt(outcome.Retryable), now()}
	if c := outcome.Classification; c != nil {
		sets = append(sets, "ai_category=?", "severity=?", "severity_level=?", "scale=?")
		args = append(args, c.Category, nullableInt(c.Severity), c.SeverityLevel, c.Scale)
	}
	args = append(args, id, string(StatusPendingVerification))
	res, err := s.db.ExecContext(ctx, `UPDATE reports SET `+strings.Join(sets, ", ")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *reportsStore) ListPendingForRetry(ctx context.Context, maxAttempts, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM reports
		WHERE status=? AND classify_retryable=1 AND classify_attempts < ?
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(StatusPendingVerification), maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddVolunteer records v while the report is in progress. It returns false
// without granting when the pair already exists, and ErrConflict when the
// report is not in progress.
func (s *reportsStore) AddVolunteer(ctx context.Context, v *Volunteer, grant *PointGrant) (bool, error) {
	ts := now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET updated_at=? WHERE id=? AND status=?`, ts, v.ReportID, string(StatusInProgress))
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return false, ErrConflict
	}
	res, err = tx.ExecContext(ctx, `
		INSERT INTO report_volunteers(report_id, user_id, name, email, volunteered_at)
		VALUES(?,?,?,?,?) ON CONFLICT (report_id, user_id) DO NOTHING`,
		v.ReportID, v.UserID, v.Name, v.Email, ts)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		tx.Rollback()
		return false, nil
	}
	if grant != nil {
		if _, err := grantTx(ctx, tx, grant); err != nil {
			tx.Rollback()
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	v.VolunteeredAt = ts
	return true, nil
}

func (s *reportsStore) GetVolunteer(ctx context.Context, reportID, userID string) (*Volunteer, error) {
	var v Volunteer
	err := s.db.QueryRowContext(ctx, `
		SELECT report_id, user_id, name, email, volunteered_at FROM report_volunteers WHERE report_id=? AND user_id=?`,
		reportID, userID).Scan(&v.ReportID, &v.UserID, &v.Name, &v.Email, &v.VolunteeredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (s *reportsStore) ListVolunteers(ctx context.Context, reportID string) ([]Volunteer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, user_id, name, email, volunteered_at FROM report_volunteers
		WHERE report_id=? ORDER BY volunteered_at ASC, user_id ASC`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Volunteer
	for rows.Next() {
		var v Volunteer
		if err := rows.Scan(&v.ReportID, &v.UserID, &v.Name, &v.Email, &v.VolunteeredAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (s *reportsStore) ListVolunteeredReports(ctx context.Context, userID string, limit int) ([]Report, error) {
	query := `SELECT ` + prefixColumns("r.", reportColumns) + `
		FROM reports r JOIN report_volunteers v ON v.report_id = r.id
		WHERE v.user_id=? ORDER BY v.volunteered_at DESC, r.id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.queryReports(ctx, query, userID)
}

// CountByStatus counts reports per status, restricted to one NGO when
// assignedNgoID is set.
func (s *reportsStore) CountByStatus(ctx context.Context, assignedNgoID string) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) FROM reports`
	var args []any
	if assignedNgoID != "" {
		query += ` WHERE assigned_ngo_id=?`
		args = append(args, assignedNgoID)
	}
	query += ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		res[Status(st)] = n
	}
	return res, rows.Err()
}

func (s *reportsStore) CountByCategory(ctx context.Context, assignedNgoID string, status Status) (map[Category]int, error) {
	var clauses []string
	var args []any
	if assignedNgoID != "" {
		clauses = append(clauses, "assigned_ngo_id=?")
		args = append(args, assignedNgoID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(status))
	}
	query := `SELECT category, COUNT(*) FROM reports`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` GROUP BY category`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[Category]int{}
	for rows.Next() {
		var c string
		var n int
		if err := rows.Scan(&c, &n); err != nil {
			return nil, err
		}
		res[Category(c)] = n
	}
	return res, rows.Err()
}

func (s *reportsStore) queryReports(ctx context.Context, query string, args ...any) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *r)
	}
	return res, rows.Err()
}

func scanReport(row rowScanner) (*Report, error) {
	var r Report
	var submission, assigned sql.NullString
	var category, status, photosRaw, aiCategory string
	var severity sql.NullInt64
	var completed sql.NullTime
	var level, scale string
	if err := row.Scan(&r.ID, &submission, &r.Title, &r.Description, &category, &photosRaw, &r.Location.Lat, &r.Location.Lng,
		&r.AuthorID, &r.AuthorName, &status, &assigned, &r.AssignedNgoName, &r.AfterPhotoURL, &completed,
		&aiCategory, &severity, &level, &scale, &r.ClassifyAttempts, &r.ClassifyError, &r.CreatedAt, &r.UpdatedAt, &r.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	r.Category = Category(category)
	r.Status = Status(status)
	r.PhotoURLs = urlsFromJSON(photosRaw)
	if submission.Valid {
		r.SubmissionID = submission.String
	}
	if assigned.Valid {
		r.AssignedNgoID = assigned.String
	}
	if completed.Valid {
		t := completed.Time
		r.CompletedAt = &t
	}
	if aiCategory != "" {
		c := &Classification{Category: aiCategory, SeverityLevel: level, Scale: scale}
		if severity.Valid {
			v := int(severity.Int64)
			c.Severity = &v
		}
		r.Classification = c
	}
	return &r, nil
}

func urlsToJSON(urls []string) string {
	if len(urls) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(urls)
	return string(raw)
}

func urlsFromJSON(raw string) []string {
	var urls []string
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	if err := json.Unmarshal([]byte(raw), &urls); err != nil || urls == nil {
		return []string{}
	}
	return urls
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

