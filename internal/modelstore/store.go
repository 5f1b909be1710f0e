// Package modelstore resolves which model artifact is active and enumerates
// artifacts present in the application data directory. It performs no
// locking; the lifecycle manager owns the Location value.
package modelstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"localllm/internal/common/fsutil"
	"localllm/internal/errs"
	"localllm/pkg/types"
)

// Location pairs the fixed default artifact path with an optional user override.
type Location struct {
	DefaultPath  string
	OverridePath string
}

// ActivePath returns the override if set, else the default.
func (l Location) ActivePath() string {
	if l.OverridePath != "" {
		return l.OverridePath
	}
	return l.DefaultPath
}

// WithOverride returns a copy with the override replaced. "" clears it.
func (l Location) WithOverride(path string) Location {
	l.OverridePath = path
	return l
}

// Store knows where artifacts live on disk.
type Store struct {
	dataDir     string
	defaultPath string
	exts        []string
}

// New builds a Store rooted at dataDir with the default artifact named
// modelFile. exts lists artifact extensions (".gguf" when empty).
func New(dataDir, modelFile string, exts []string) (*Store, error) {
	base, err := fsutil.ExpandHome(dataDir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	if modelFile == "" {
		return nil, errors.New("empty model file name")
	}
	if len(exts) == 0 {
		exts = []string{".gguf"}
	}
	norm := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		norm = append(norm, e)
	}
	return &Store{dataDir: abs, defaultPath: filepath.Join(abs, modelFile), exts: norm}, nil
}

// DataDir returns the absolute data directory.
func (s *Store) DataDir() string { return s.dataDir }

// DefaultLocation returns a Location with no override.
func (s *Store) DefaultLocation() Location {
	return Location{DefaultPath: s.defaultPath}
}

// IsDownloaded reports whether a regular file exists at path. A missing file
// is (false, nil); only an unreadable filesystem yields an error.
func (s *Store) IsDownloaded(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscallENOTDIR) {
			return false, nil
		}
		return false, errs.E(errs.KindIO, "modelstore.is_downloaded", err)
	}
	return fi.Mode().IsRegular(), nil
}

// ListLocalArtifacts scans the data directory for files with an artifact
// extension. The directory is re-read on every call; a missing directory
// yields an empty list.
func (s *Store) ListLocalArtifacts() ([]types.Model, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []types.Model{}, nil
		}
		return nil, errs.E(errs.KindIO, "modelstore.list", err)
	}
	models := make([]types.Model, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			// in-flight downloads use hidden temp names
			continue
		}
		if !s.hasArtifactExt(name) {
			continue
		}
		var size int64
		if fi, err := e.Info(); err == nil {
			size = fi.Size()
		}
		models = append(models, types.Model{
			ID:        name,
			Name:      strings.TrimSuffix(name, filepath.Ext(name)),
			Path:      filepath.Join(s.dataDir, name),
			SizeBytes: size,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func (s *Store) hasArtifactExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range s.exts {
		if ext == e {
			return true
		}
	}
	return false
}
