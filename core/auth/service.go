package auth

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/bcrypt"

	"setu/core/store"
	"setu/core/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidRole        = errors.New("role must be citizen, ngo or government")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrNameRequired       = errors.New("display name required")
	ErrCityInvalid        = errors.New("city name too long")
)

const (
	minPasswordLen = 8
	maxNameLen     = 100
	maxCityLen     = 100
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type SignUp struct {
	Email       string
	Password    string
	DisplayName string
	Role        string
	City        string
}

type Service struct {
	users    store.UsersStore
	sessions *SessionManager
	cost     int
	logger   *utils.Logger

	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(users store.UsersStore, sessions *SessionManager, logger *utils.Logger) *Service {
	return &Service{users: users, sessions: sessions, cost: bcrypt.DefaultCost, logger: logger}
}

// WithBcryptCost lowers hashing cost for tests.
func (s *Service) WithBcryptCost(cost int) *Service {
	s.cost = cost
	return s
}

// SignUp creates an account. The role is fixed for the account's lifetime.
func (s *Service) SignUp(ctx context.Context, in SignUp) (*store.User, *Session, error) {
	role, ok := store.ParseRole(in.Role)
	if !ok {
		return nil, nil, ErrInvalidRole
	}
	email := strings.TrimSpace(in.Email)
	if validate.Var(email, "required,email") != nil {
		return nil, nil, ErrInvalidEmail
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" || len(name) > maxNameLen {
		return nil, nil, ErrNameRequired
	}
	city := strings.TrimSpace(in.City)
	if len(city) > maxCityLen {
		return nil, nil, ErrCityInvalid
	}
	if len(in.Password) < minPasswordLen {
		return nil, nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, nil, err
	}
	user := &store.User{
		ID:           uuid.Must(uuid.NewV4()).String(),
		DisplayName:  name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		City:         city,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, nil, ErrEmailTaken
		}
		return nil, nil, utils.Retryable("create user", err)
	}
	sess, err := s.sessions.Create(ctx, user)
	if err != nil {
		return nil, nil, utils.Retryable("create session", err)
	}
	s.logger.Printf("user %s signed up as %s", user.ID, user.Role)
	return user, sess, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*store.User, *Session, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, utils.Retryable("load user", err)
	}
	if user == nil || user.PasswordHash == "" {
		// Spend the same bcrypt work as a real check.
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(password))
		return nil, nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil, ErrInvalidCredentials
	}
	sess, err := s.sessions.Create(ctx, user)
	if err != nil {
		return nil, nil, utils.Retryable("create session", err)
	}
	return user, sess, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte(uuid.Must(uuid.NewV4()).String()), s.cost)
	})
	return s.dummyHash
}

// ProfileUpdate carries the editable profile fields; nil leaves a field as is.
type ProfileUpdate struct {
	DisplayName *string
	City        *string
}

// UpdateProfile edits the viewer's display name and city. Role and email are
// fixed.
func (s *Service) UpdateProfile(ctx context.Context, viewer Viewer, in ProfileUpdate) (*store.User, error) {
	user, err := s.users.GetUser(ctx, viewer.UserID)
	if err != nil {
		return nil, utils.Retryable("load user", err)
	}
	if user == nil {
		return nil, ErrSessionInvalid
	}
	name, city := user.DisplayName, user.City
	if in.DisplayName != nil {
		name = strings.TrimSpace(*in.DisplayName)
		if name == "" || len(name) > maxNameLen {
			return nil, ErrNameRequired
		}
	}
	if in.City != nil {
		city = strings.TrimSpace(*in.City)
		if len(city) > maxCityLen {
			return nil, ErrCityInvalid
		}
	}
	if err := s.users.UpdateProfile(ctx, user.ID, name, city); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, utils.Retryable("update profile", err)
	}
	user.DisplayName, user.City = name, city
	s.logger.Printf("user %s updated profile", user.ID)
	return user, nil
}

// Current merges the session with the stored profile into a Viewer snapshot.
func (s *Service) Current(ctx context.Context, token string) (*Viewer, error) {
	rec, err := s.sessions.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, ErrSessionInvalid) {
			return nil, err
		}
		return nil, utils.Retryable("resolve session", err)
	}
	user, err := s.users.GetUser(ctx, rec.UserID)
	if err != nil {
		return nil, utils.Retryable("load user", err)
	}
	if user == nil {
		return nil, ErrSessionInvalid
	}
	return &Viewer{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Role:        user.Role,
		City:        user.City,
		Points:      user.Points,
		SessionID:   rec.ID,
	}, nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

func (s *Service) Sessions() *SessionManager { return s.sessions }
