// Package session holds per-session mutable state behind explicit accessors:
// the authenticated user, the active conversation and the typing flag, plus
// the display theme. Nothing in here is a package-level global.
package session

import (
	"sync"

	"gemchat/internal/auth"
)

type State struct {
	mu        sync.Mutex
	user      *auth.User
	activeID  string
	typing    bool
	theme     Theme
	themePath string
}

func New(themePath string) *State {
	return &State{
		theme:     LoadTheme(themePath),
		themePath: themePath,
	}
}

func (s *State) User() *auth.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *State) SetUser(u *auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.user = nil
		s.activeID = ""
		s.typing = false
		return
	}
	uc := *u
	s.user = &uc
}

func (s *State) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *State) SetActiveID(id string) {
	s.mu.Lock()
	s.activeID = id
	s.mu.Unlock()
}

func (s *State) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

func (s *State) SetTyping(v bool) {
	s.mu.Lock()
	s.typing = v
	s.mu.Unlock()
}

func (s *State) Theme() Theme {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.theme
}

// SetTheme updates the preference and persists it for the next session.
func (s *State) SetTheme(t Theme) error {
	if !t.Valid() {
		t = ThemeSystem
	}
	s.mu.Lock()
	s.theme = t
	path := s.themePath
	s.mu.Unlock()
	return SaveTheme(path, t)
}
