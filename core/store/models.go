package store

import (
	"strings"
	"time"
)

type Role string

const (
	RoleCitizen    Role = "citizen"
	RoleNGO        Role = "ngo"
	RoleGovernment Role = "government"
	// RoleSystem is an actor-only role used by the verification worker. It is
	// never stored on a user.
	RoleSystem Role = "system"
)

// ParseRole accepts only roles a user account may hold.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCitizen:
		return RoleCitizen, true
	case RoleNGO:
		return RoleNGO, true
	case RoleGovernment:
		return RoleGovernment, true
	}
	return "", false
}

type Status string

const (
	StatusPendingVerification Status = "pending_verification"
	StatusVerified            Status = "verified"
	StatusInProgress          Status = "in_progress"
	StatusCompleted           Status = "completed"
)

var AllStatuses = []Status{StatusPendingVerification, StatusVerified, StatusInProgress, StatusCompleted}

func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStatuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// Open reports every status that still needs work.
func (s Status) Open() bool {
	return s == StatusPendingVerification || s == StatusVerified || s == StatusInProgress
}

type Category string

const (
	CategoryPotholes      Category = "Potholes"
	CategoryGarbage       Category = "Garbage"
	CategoryDeforestation Category = "Deforestation"
)

var AllCategories = []Category{CategoryPotholes, CategoryGarbage, CategoryDeforestation}

// ParseCategory is case-insensitive and returns the canonical spelling.
func ParseCategory(raw string) (Category, bool) {
	for _, c := range AllCategories {
		if strings.EqualFold(strings.TrimSpace(raw), string(c)) {
			return c, true
		}
	}
	return "", false
}

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	City         string    `json:"city,omitempty"`
	Points       int64     `json:"points"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Classification struct {
	Category      string `json:"category"`
	Severity      *int   `json:"severity,omitempty"`
	SeverityLevel string `json:"severity_level,omitempty"`
	Scale         string `json:"scale,omitempty"`
}

type Report struct {
	ID               string          `json:"id"`
	SubmissionID     string          `json:"submission_id,omitempty"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Category         Category        `json:"category"`
	PhotoURLs        []string        `json:"photo_urls"`
	Location         GeoPoint        `json:"location"`
	AuthorID         string          `json:"author_id"`
	AuthorName       string          `json:"author_name"`
	Status           Status          `json:"status"`
	AssignedNgoID    string          `json:"assigned_ngo_id,omitempty"`
	AssignedNgoName  string          `json:"assigned_ngo_name,omitempty"`
	AfterPhotoURL    string          `json:"after_photo_url,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Classification   *Classification `json:"classification,omitempty"`
	ClassifyAttempts int             `json:"classify_attempts"`
	ClassifyError    string          `json:"classify_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Version          int             `json:"version"`
}

type Volunteer struct {
	ReportID      string    `json:"report_id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	VolunteeredAt time.Time `json:"volunteered_at"`
}

type PointGrant struct {
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	RefID     string    `json:"ref_id"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorRole Role      `json:"author_role"`
	AuthorName string    `json:"author_name"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"image_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type SessionRecord struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	TokenHash string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
