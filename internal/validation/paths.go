package validation

import (
	"os"
	"path/filepath"
)

// PathHandler resolves the on-disk locations feedtree uses.
type PathHandler struct {
	validator *FilePathValidator
}

func NewSecurePathHandler() *PathHandler {
	return &PathHandler{validator: NewFilePathValidator()}
}

func NewPermissivePathHandler() *PathHandler {
	return &PathHandler{validator: NewPermissiveFilePathValidator()}
}

// DBPath returns a validated database path, defaulting to ~/.feedtree/feedtree.db.
// The parent directory is created if needed.
func (ph *PathHandler) DBPath(userPath string) (string, error) {
	if userPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		userPath = filepath.Join(homeDir, ".feedtree", "feedtree.db")
	}

	path, err := ph.validator.ValidateFile(userPath)
	if err != nil {
		return "", err
	}
	if _, err := ph.validator.ValidateDirectory(filepath.Dir(path), true); err != nil {
		return "", err
	}
	return path, nil
}

// IndexPath returns a validated bleve index directory. It is not created
// here; bleve creates it on first open.
func (ph *PathHandler) IndexPath(userPath string) (string, error) {
	if userPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		userPath = filepath.Join(homeDir, ".feedtree", "index.bleve")
	}
	return ph.validator.ValidateDirectory(userPath, false)
}

// ConfigPath returns a validated config file path.
func (ph *PathHandler) ConfigPath(userPath string) (string, error) {
	if userPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		userPath = filepath.Join(homeDir, ".config", "feedtree", "config.toml")
	}
	return ph.validator.ValidateFile(userPath)
}
