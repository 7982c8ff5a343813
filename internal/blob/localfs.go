// Package blob stores job result artifacts on the local filesystem.
package blob

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type LocalFS struct {
	Root string
}

// ResultKey is the artifact key for a job's terminal payload.
func ResultKey(jobID string) string {
	return filepath.Join("jobs", jobID, "result.json")
}

func (l LocalFS) resolve(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key %q", relPath)
	}
	return filepath.Join(l.Root, clean), nil
}

// Put writes r to relPath via a temp file and rename, so readers never see a
// partial artifact.
func (l LocalFS) Put(relPath string, r io.Reader) (string, error) {
	abs, err := l.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(abs), ".blob-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), abs); err != nil {
		return "", err
	}
	return filepath.Clean(relPath), nil
}

// PutJSON stores v as indented JSON.
func (l LocalFS) PutJSON(relPath string, v any) (string, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return l.Put(relPath, bytes.NewReader(raw))
}

func (l LocalFS) Open(relPath string) (*os.File, error) {
	abs, err := l.resolve(relPath)
	if err != nil {
		return nil, err
	}
	return os.Open(abs)
}

func (l LocalFS) Exists(relPath string) bool {
	abs, err := l.resolve(relPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}
