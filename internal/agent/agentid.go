package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// LoadOrCreateID returns the installation id stored at path, creating a
// new random one if the file is missing or unreadable as a UUID.
func LoadOrCreateID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id, perr := uuid.Parse(strings.TrimSpace(string(data))); perr == nil {
			return id.String(), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read agent id: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create agent id dir: %w", err)
	}
	if err := atomic.WriteFile(path, strings.NewReader(id+"\n")); err != nil {
		return "", fmt.Errorf("write agent id: %w", err)
	}
	return id, os.Chmod(path, 0600)
}
