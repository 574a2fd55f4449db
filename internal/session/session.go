package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const stateFile = ".autoland/session.yaml"

// Session is the on-disk marker written by the tooling that opened the
// coding session. It carries everything the orchestrators need that
// cannot be re-derived from the hosting API: the tracked issue (if any)
// and a correlation id. Passed explicitly, never read as a global.
type Session struct {
	ID     string `yaml:"id"`
	Branch string `yaml:"branch"`
	Issue  string `yaml:"issue,omitempty"`
}

// Load reads the session marker under dir. A missing file is a normal
// absence (nil, nil): the session integration is opt-in. A malformed
// file is treated the same way so a corrupt marker never blocks a merge.
func Load(dir string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, nil
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return &s, nil
}

// Clear removes the session marker. Called by cleanup as its final step;
// a missing file is fine.
func Clear(dir string) error {
	err := os.Remove(filepath.Join(dir, stateFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Write persists a session marker. Used by tests and by tooling that
// opens sessions; autoland itself only loads and clears.
func Write(dir string, s *Session) error {
	path := filepath.Join(dir, stateFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir session dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}
