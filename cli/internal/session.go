package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gqlgate/gqlgate/token"
)

// Session stores the browser session cookie used to authenticate against
// the token endpoint. The cookie is the only credential persisted to disk;
// bearer tokens stay in memory inside the token manager.
type Session struct {
	Cookie    string    `json:"cookie"`
	CreatedAt time.Time `json:"created_at"`
}

// sessionPath returns the path to the session file for the current context
func sessionPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	config, err := LoadConfig()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "gqlgate")
	filename := fmt.Sprintf("session-%s.json", config.CurrentContext)
	return filepath.Join(configDir, filename), nil
}

// SaveSession saves the session cookie to disk with owner-only permissions
func SaveSession(session *Session) error {
	path, err := sessionPath()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}

	return nil
}

// LoadSession loads the session cookie from disk
func LoadSession() (*Session, error) {
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	slog.Debug("loading session from file",
		slog.String("component", "cli-session"),
		slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("not logged in")
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}

	return &session, nil
}

// RemoveSession removes the session file
func RemoveSession() error {
	path, err := sessionPath()
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session: %w", err)
	}

	return nil
}

// sessionDecorator returns a token request decorator that attaches the
// stored session cookie, or nil when no session is saved.
func sessionDecorator() token.RequestDecorator {
	session, err := LoadSession()
	if err != nil {
		slog.Debug("no stored session, token requests go out bare",
			slog.String("component", "cli-session"),
			slog.String("error", err.Error()))
		return nil
	}

	cookie := session.Cookie
	return func(req *http.Request) {
		req.Header.Set("cookie", cookie)
	}
}
