package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FilePathValidator checks local paths for the database, search index and
// filter scripts.
type FilePathValidator struct {
	// AllowedBaseDirs restricts paths to these directories; empty allows all
	AllowedBaseDirs    []string
	AllowHomeExpansion bool
	AllowRelativePaths bool
	MaxPathLength      int
}

// NewFilePathValidator creates a validator confined to feedtree's own directories
func NewFilePathValidator() *FilePathValidator {
	homeDir, _ := os.UserHomeDir()
	return &FilePathValidator{
		AllowedBaseDirs: []string{
			filepath.Join(homeDir, ".feedtree"),
			filepath.Join(homeDir, ".config", "feedtree"),
			os.TempDir(),
		},
		AllowHomeExpansion: true,
		MaxPathLength:      4096,
	}
}

// NewPermissiveFilePathValidator accepts any directory
func NewPermissiveFilePathValidator() *FilePathValidator {
	return &FilePathValidator{
		AllowHomeExpansion: true,
		AllowRelativePaths: true,
		MaxPathLength:      4096,
	}
}

// ValidateAndSanitize validates and normalizes a path
func (v *FilePathValidator) ValidateAndSanitize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if len(path) > v.MaxPathLength {
		return "", fmt.Errorf("path too long (max %d characters)", v.MaxPathLength)
	}
	for _, r := range path {
		if r == 0 {
			return "", fmt.Errorf("path contains null bytes")
		}
		if r < 32 && r != '\t' {
			return "", fmt.Errorf("path contains control characters")
		}
	}

	normalized, err := v.normalizePath(path)
	if err != nil {
		return "", fmt.Errorf("path normalization failed: %w", err)
	}
	for _, component := range strings.Split(filepath.ToSlash(path), "/") {
		if component == ".." {
			return "", fmt.Errorf("directory traversal not allowed")
		}
	}
	if err := v.validateBaseDirs(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

func (v *FilePathValidator) normalizePath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		if !v.AllowHomeExpansion || !strings.HasPrefix(path, "~/") {
			return "", fmt.Errorf("tilde expansion not allowed or invalid tilde usage")
		}
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !v.AllowRelativePaths && !filepath.IsAbs(path) {
		return "", fmt.Errorf("relative paths not allowed: %s", path)
	}
	return filepath.Clean(path), nil
}

func (v *FilePathValidator) validateBaseDirs(path string) error {
	if len(v.AllowedBaseDirs) == 0 {
		return nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("cannot resolve absolute path: %w", err)
	}
	for _, baseDir := range v.AllowedBaseDirs {
		absBaseDir, err := filepath.Abs(baseDir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absBaseDir, absPath)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path not within allowed directories: %v", v.AllowedBaseDirs)
}

// ValidateDirectory validates a directory path, optionally creating it
func (v *FilePathValidator) ValidateDirectory(path string, createIfNotExist bool) (string, error) {
	validated, err := v.ValidateAndSanitize(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(validated)
	switch {
	case os.IsNotExist(err):
		if createIfNotExist {
			if err := os.MkdirAll(validated, 0o755); err != nil {
				return "", fmt.Errorf("failed to create directory: %w", err)
			}
		}
	case err != nil:
		return "", fmt.Errorf("checking directory: %w", err)
	case !info.IsDir():
		return "", fmt.Errorf("path exists but is not a directory: %s", validated)
	}
	return validated, nil
}

// ValidateFile validates a path that is or will be a regular file
func (v *FilePathValidator) ValidateFile(path string) (string, error) {
	validated, err := v.ValidateAndSanitize(path)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(validated); err == nil && info.IsDir() {
		return "", fmt.Errorf("path is a directory, not a file: %s", validated)
	}
	return validated, nil
}

// ValidateScript checks a filter script path: it must name an existing
// regular .lua file.
func (v *FilePathValidator) ValidateScript(path string) (string, error) {
	validated, err := v.ValidateFile(strings.TrimSpace(path))
	if err != nil {
		return "", err
	}
	if filepath.Ext(validated) != ".lua" {
		return "", fmt.Errorf("%s is not a lua file", validated)
	}
	info, err := os.Stat(validated)
	if err != nil {
		return "", fmt.Errorf("%s is not a file: %w", validated, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", validated)
	}
	return validated, nil
}
