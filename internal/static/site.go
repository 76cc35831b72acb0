// Package static resolves UI assets under a fixed root and prepares the SPA
// index document for the ingress path it is served under.
package static

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"syscall"
	"time"

	"ode-ingress/internal/config"
)

// ErrNotFound is returned when a path does not name a regular file under the root.
var ErrNotFound = errors.New("not found")

// Site serves files from a directory. Every lookup goes through an os.Root, so
// neither ".." segments nor symlinks can reach outside the directory.
type Site struct {
	root         *os.Root
	dir          string
	index        string
	injectBase   bool
	rewriteLinks bool
}

// File is an open asset ready to be served.
type File struct {
	*os.File
	Name        string
	ModTime     time.Time
	Size        int64
	ContentType string
}

// NewSite opens the static root from cfg.
func NewSite(cfg *config.Config) (*Site, error) {
	s := &Site{
		dir:          cfg.Static.Root,
		index:        cfg.Static.Index,
		injectBase:   !cfg.Static.NoBaseTag,
		rewriteLinks: !cfg.Static.NoLinkRewrite,
	}

	root, err := os.OpenRoot(cfg.Static.Root)
	if err != nil {
		// Passthrough mode never touches the UI directory.
		if cfg.Passthrough.Enabled {
			return s, nil
		}
		return nil, fmt.Errorf("open static root %s: %w", cfg.Static.Root, err)
	}
	s.root = root
	return s, nil
}

// Dir returns the directory the site serves from.
func (s *Site) Dir() string {
	return s.dir
}

// Close releases the root directory handle.
func (s *Site) Close() error {
	if s.root == nil {
		return nil
	}
	return s.root.Close()
}

// Open resolves requestPath to a regular file under the root. The empty path,
// directories and missing files yield ErrNotFound. Other failures, such as
// permission errors or symlinks leaving the root, are returned as is.
func (s *Site) Open(requestPath string) (*File, error) {
	name, ok := cleanName(requestPath)
	if !ok || s.root == nil {
		return nil, ErrNotFound
	}

	f, err := s.root.Open(name)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrNotFound, name)
	}

	return &File{
		File:        f,
		Name:        name,
		ModTime:     info.ModTime(),
		Size:        info.Size(),
		ContentType: ContentType(name),
	}, nil
}

// Index reads the index document and, when ingressPath is a usable prefix,
// rewrites it to resolve under that prefix. The document is read from disk on
// every call.
func (s *Site) Index(ingressPath string) ([]byte, error) {
	if s.root == nil {
		return nil, ErrNotFound
	}
	f, err := s.root.Open(s.index)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, s.index, err)
	}
	defer func() { _ = f.Close() }()

	doc, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.index, err)
	}

	if ingressPath == "" {
		return doc, nil
	}
	if s.rewriteLinks {
		doc = RewriteLinks(doc, ingressPath)
	}
	if s.injectBase {
		doc = InjectBase(doc, ingressPath)
	}
	return doc, nil
}

// isNotExist reports whether err means nothing is at the path. A file used as a
// directory component counts as missing.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// cleanName turns a URL path into a root-relative file name.
func cleanName(p string) (string, bool) {
	name := strings.TrimPrefix(path.Clean("/"+p), "/")
	if name == "" || name == "." {
		return "", false
	}
	return name, true
}
