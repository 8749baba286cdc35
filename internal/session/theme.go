package session

import (
	"os"
	"path/filepath"
	"strings"
)

type Theme string

const (
	ThemeSystem Theme = "system"
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
)

func (t Theme) Valid() bool {
	switch t {
	case ThemeSystem, ThemeLight, ThemeDark:
		return true
	}
	return false
}

// LoadTheme reads the persisted preference, defaulting to system.
func LoadTheme(path string) Theme {
	if path == "" {
		return ThemeSystem
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ThemeSystem
	}
	t := Theme(strings.TrimSpace(string(b)))
	if !t.Valid() {
		return ThemeSystem
	}
	return t
}

func SaveTheme(path string, t Theme) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(string(t)+"\n"), 0o644)
}
