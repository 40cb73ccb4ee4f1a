package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/hazyhaar/navexport/horosafe"
)

// ErrNoArtifact is returned by Open for an unknown artifact.
var ErrNoArtifact = errors.New("export: artifact not found")

// Artifact is a stored export result. Artifacts of one export share a
// directory named after the export id.
type Artifact struct {
	Export   string `json:"export"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// ArtifactStore persists export results.
type ArtifactStore interface {
	Put(ctx context.Context, export, name string, data []byte) (Artifact, error)
	Open(export, name string) (io.ReadSeekCloser, Artifact, error)
}

// DirStore keeps artifacts under a root directory as <root>/<export>/<name>.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("export: artifact dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the storage directory.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) path(export, name string) (string, error) {
	if err := horosafe.ValidateIdentifier(export); err != nil {
		return "", fmt.Errorf("export: artifact export id: %w", err)
	}
	if err := horosafe.ValidateIdentifier(name); err != nil {
		return "", fmt.Errorf("export: artifact name: %w", err)
	}
	dir, err := horosafe.SafePath(s.root, export)
	if err != nil {
		return "", err
	}
	return horosafe.SafePath(dir, name)
}

// Put writes data atomically.
func (s *DirStore) Put(ctx context.Context, export, name string, data []byte) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	p, err := s.path(export, name)
	if err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Artifact{}, fmt.Errorf("export: artifact dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("export: write artifact: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return Artifact{}, fmt.Errorf("export: write artifact: %w", err)
	}
	return Artifact{Export: export, Name: name, MIMEType: mimeOf(name), Size: int64(len(data))}, nil
}

// Open returns a reader over a stored artifact.
func (s *DirStore) Open(export, name string) (io.ReadSeekCloser, Artifact, error) {
	p, err := s.path(export, name)
	if err != nil {
		return nil, Artifact{}, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, Artifact{}, ErrNoArtifact
	}
	if err != nil {
		return nil, Artifact{}, fmt.Errorf("export: open artifact: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Artifact{}, fmt.Errorf("export: stat artifact: %w", err)
	}
	return f, Artifact{Export: export, Name: name, MIMEType: mimeOf(name), Size: st.Size()}, nil
}

func mimeOf(name string) string {
	switch filepath.Ext(name) {
	case ".pdf":
		return "application/pdf"
	case ".svg":
		return "image/svg+xml"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
