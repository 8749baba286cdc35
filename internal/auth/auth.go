package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Record is the persisted user shape. The password hash stays inside the
// auth layer; Service only ever returns User values.
type Record struct {
	User
	PasswordHash string `json:"password_hash,omitempty"`
}

type Repository interface {
	LoadAll() ([]Record, error)
	Upsert(rec Record) error
	Remove(userID string) error
}

var (
	ErrInvalidEmail  = errors.New("invalid email")
	ErrUserNotFound  = errors.New("user not found")
	ErrWrongPassword = errors.New("wrong password")
	ErrEmailInUse    = errors.New("email already in use")
	ErrWeakPassword  = errors.New("weak password")
	ErrNoSession     = errors.New("no authenticated session")
)

// Localize maps an authentication error to the message shown to the user.
func Localize(err error) string {
	switch {
	case errors.Is(err, ErrInvalidEmail):
		return "Неверный формат Email."
	case errors.Is(err, ErrUserNotFound):
		return "Пользователь с таким Email не найден."
	case errors.Is(err, ErrWrongPassword):
		return "Неверный пароль."
	case errors.Is(err, ErrEmailInUse):
		return "Email уже используется."
	case errors.Is(err, ErrWeakPassword):
		return "Пароль должен быть не менее 6 символов."
	default:
		return "Произошла ошибка аутентификации. Попробуйте еще раз."
	}
}

// Service authenticates users and tracks live sessions by opaque token.
// Listeners observe auth-state changes (a user on sign-in, nil on sign-out).
type Service struct {
	mu        sync.Mutex
	repo      Repository
	users     map[string]Record // keyed by user id
	sessions  map[string]User   // keyed by session token
	listeners []func(*User)
}

func NewWithRepo(repo Repository) (*Service, error) {
	s := &Service{
		repo:     repo,
		users:    make(map[string]Record),
		sessions: make(map[string]User),
	}
	if repo != nil {
		recs, err := repo.LoadAll()
		if err == nil {
			for _, r := range recs {
				s.users[r.ID] = r
			}
		}
	}
	return s, nil
}

// OnAuthStateChanged registers a listener invoked after every sign-in and
// sign-out.
func (s *Service) OnAuthStateChanged(f func(*User)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, f)
	s.mu.Unlock()
}

func (s *Service) Register(email, password string) (User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !strings.Contains(email, "@") {
		return User{}, "", ErrInvalidEmail
	}
	if len(password) < 6 {
		return User{}, "", ErrWeakPassword
	}

	s.mu.Lock()
	for _, r := range s.users {
		if r.Email == email {
			s.mu.Unlock()
			return User{}, "", ErrEmailInUse
		}
	}
	s.mu.Unlock()

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, "", fmt.Errorf("hash password: %w", err)
	}
	rec := Record{
		User:         User{ID: uuid.NewString(), Email: email},
		PasswordHash: string(hash),
	}

	s.mu.Lock()
	s.users[rec.ID] = rec
	s.mu.Unlock()
	if s.repo != nil {
		if err := s.repo.Upsert(rec); err != nil {
			return User{}, "", fmt.Errorf("persist user: %w", err)
		}
	}
	// registering signs the user in, as the hosted provider does
	token := s.openSession(rec.User)
	return rec.User, token, nil
}

func (s *Service) SignIn(email, password string) (User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if !strings.Contains(email, "@") {
		return User{}, "", ErrInvalidEmail
	}

	s.mu.Lock()
	var found *Record
	for _, r := range s.users {
		if r.Email == email {
			rc := r
			found = &rc
			break
		}
	}
	s.mu.Unlock()
	if found == nil {
		return User{}, "", ErrUserNotFound
	}
	if bcrypt.CompareHashAndPassword([]byte(found.PasswordHash), []byte(password)) != nil {
		return User{}, "", ErrWrongPassword
	}

	token := s.openSession(found.User)
	return found.User, token, nil
}

// SignInExternal opens a session for a user verified by an external identity
// provider, upserting the profile.
func (s *Service) SignInExternal(u User) (string, error) {
	rec := Record{User: u}
	s.mu.Lock()
	if prev, ok := s.users[u.ID]; ok {
		rec.PasswordHash = prev.PasswordHash
	}
	s.users[u.ID] = rec
	s.mu.Unlock()
	if s.repo != nil {
		if err := s.repo.Upsert(rec); err != nil {
			return "", fmt.Errorf("persist user: %w", err)
		}
	}
	return s.openSession(u), nil
}

func (s *Service) SignOut(token string) {
	s.mu.Lock()
	_, ok := s.sessions[token]
	delete(s.sessions, token)
	ls := append([]func(*User){}, s.listeners...)
	s.mu.Unlock()
	if ok {
		for _, f := range ls {
			f(nil)
		}
	}
}

// Current resolves a session token to its user.
func (s *Service) Current(token string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.sessions[token]
	return u, ok
}

func (s *Service) Remove(userID string) error {
	s.mu.Lock()
	delete(s.users, userID)
	for t, u := range s.sessions {
		if u.ID == userID {
			delete(s.sessions, t)
		}
	}
	s.mu.Unlock()
	if s.repo != nil {
		return s.repo.Remove(userID)
	}
	return nil
}

func (s *Service) openSession(u User) string {
	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = u
	ls := append([]func(*User){}, s.listeners...)
	s.mu.Unlock()
	for _, f := range ls {
		uc := u
		f(&uc)
	}
	return token
}
