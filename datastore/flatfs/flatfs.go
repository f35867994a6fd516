// Package flatfs exposes a flat directory of shared files and a download directory.
// Only plain file names are accepted: every name resolves directly inside the base directory.
package flatfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"peershare/datamodel/peer"
	"peershare/oid"

	log "github.com/sirupsen/logrus"
)

var ErrNotExist = os.ErrNotExist

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

type digestEntry struct {
	size    int64
	modTime time.Time
	digest  *oid.Oid
}

// Share is the directory whose files a peer offers to others.
type Share struct {
	basePath string

	mu      sync.Mutex
	digests map[string]digestEntry
}

func NewShare(basePath string) (*Share, error) {
	basePath = filepath.Clean(basePath)

	if err := ensureDir(basePath); err != nil {
		return nil, err
	}

	log.Infof("Sharing files from %s", basePath)

	return &Share{
		basePath: basePath,
		digests:  make(map[string]digestEntry),
	}, nil
}

func (s *Share) Path() string {
	return s.basePath
}

func (s *Share) path(name string) (string, error) {
	if err := peer.ValidateFilename(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

// Enumerate lists the regular files in the share, sorted by name.
func (s *Share) Enumerate() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		log.Errorf("Error reading share %s: %v", s.basePath, err)
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			log.Debugf("Skipping non-regular entry in share: %s", e.Name())
			continue
		}
		if peer.ValidateFilename(e.Name()) != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *Share) Has(name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	stat, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return stat.Mode().IsRegular(), nil
}

// Open opens a shared file for streaming and reports its size and content digest.
// A name that is not a regular file in the share yields ErrNotExist.
func (s *Share) Open(name string) (io.ReadCloser, int64, *oid.Oid, error) {
	p, err := s.path(name)
	if err != nil {
		return nil, 0, nil, err
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, 0, nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	if !stat.Mode().IsRegular() {
		f.Close()
		return nil, 0, nil, &os.PathError{Op: "open", Path: p, Err: ErrNotExist}
	}

	digest, err := s.digest(name, f, stat)
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, nil, err
	}

	return f, stat.Size(), digest, nil
}

// digest returns the cached content OID for name, hashing f if the file changed since.
func (s *Share) digest(name string, f io.Reader, stat os.FileInfo) (*oid.Oid, error) {
	s.mu.Lock()
	e, ok := s.digests[name]
	s.mu.Unlock()
	if ok && e.size == stat.Size() && e.modTime.Equal(stat.ModTime()) {
		return e.digest, nil
	}

	d, n, err := oid.Digest(f)
	if err != nil {
		return nil, err
	}
	if n != stat.Size() {
		return nil, io.ErrUnexpectedEOF
	}

	s.mu.Lock()
	s.digests[name] = digestEntry{size: stat.Size(), modTime: stat.ModTime(), digest: d}
	s.mu.Unlock()

	return d, nil
}

// Downloads is the directory received files are committed into.
type Downloads struct {
	basePath string
}

func NewDownloads(basePath string) (*Downloads, error) {
	basePath = filepath.Clean(basePath)
	if err := ensureDir(basePath); err != nil {
		return nil, err
	}
	return &Downloads{basePath: basePath}, nil
}

func (d *Downloads) Path() string {
	return d.basePath
}

// Partial is a download in progress. Its bytes become visible under the final name only
// after Commit; Abort discards them.
type Partial struct {
	f         *os.File
	finalPath string
	done      bool
}

// Create starts a new partial file for name.
func (d *Downloads) Create(name string) (*Partial, error) {
	if err := peer.ValidateFilename(name); err != nil {
		return nil, err
	}

	// Fixed length, name may already be at the filesystem limit
	f, err := os.CreateTemp(d.basePath, ".part-*")
	if err != nil {
		return nil, err
	}

	return &Partial{f: f, finalPath: filepath.Join(d.basePath, name)}, nil
}

func (p *Partial) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// Commit syncs the partial file and renames it over the final name.
func (p *Partial) Commit() (string, error) {
	if p.done {
		return "", errors.New("partial file already closed")
	}
	p.done = true

	if err := p.f.Sync(); err != nil {
		p.discard()
		return "", err
	}
	if err := p.f.Close(); err != nil {
		os.Remove(p.f.Name())
		return "", err
	}
	if err := os.Rename(p.f.Name(), p.finalPath); err != nil {
		os.Remove(p.f.Name())
		return "", err
	}
	return p.finalPath, nil
}

// Abort removes the partial file. It is a no-op after Commit.
func (p *Partial) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.discard()
}

func (p *Partial) discard() {
	p.f.Close()
	if err := os.Remove(p.f.Name()); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to remove partial download %s: %v", p.f.Name(), err)
	}
}
