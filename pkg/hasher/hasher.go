// Package hasher computes content digests for files and directory trees.
package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/aditya/fimwatch/pkg/model"
)

const (
	// ChunkSize is the read size used when streaming file content.
	ChunkSize = 8 * 1024

	// DefaultAlgorithm is used when no algorithm is configured.
	DefaultAlgorithm = "sha256"
)

var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// Hasher computes hex digests with a fixed algorithm.
type Hasher struct {
	algorithm   string
	newHash     func() hash.Hash
	maxFileSize int64
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithMaxFileSize skips hashing files larger than n bytes. Zero disables the limit.
func WithMaxFileSize(n int64) Option {
	return func(h *Hasher) {
		h.maxFileSize = n
	}
}

// New creates a Hasher for the named algorithm (md5, sha1, sha256, sha512).
// An empty name selects sha256.
func New(algorithm string, opts ...Option) (*Hasher, error) {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	fn, ok := algorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}

	h := &Hasher{algorithm: algorithm, newHash: fn}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Default returns a sha256 Hasher.
func Default() *Hasher {
	h, _ := New(DefaultAlgorithm)
	return h
}

// Algorithm returns the configured algorithm name.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// HashBytes computes the digest of data.
func (h *Hasher) HashBytes(data []byte) string {
	d := h.newHash()
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

// Placeholder returns a stable digest derived from the path string. Callers
// use it when the content of path cannot be hashed.
func (h *Hasher) Placeholder(path string) string {
	return h.HashBytes([]byte(path))
}

// HashFile streams a regular file through the digest.
func (h *Hasher) HashFile(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", classify(path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("hashing %s: %w", path, model.ErrNotRegularFile)
	}
	if h.maxFileSize > 0 && info.Size() > h.maxFileSize {
		return "", fmt.Errorf("hashing %s: size %d exceeds limit %d: %w", path, info.Size(), h.maxFileSize, model.ErrFileTooLarge)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", classify(path, err)
	}
	defer f.Close()

	d := h.newHash()
	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(d, struct{ io.Reader }{f}, buf); err != nil {
		return "", classify(path, err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// HashDirectory folds the directory name and, for every child in byte
// order, the child name and its digest. Unreadable subtrees contribute
// whatever was accumulated before the failure.
func (h *Hasher) HashDirectory(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return "", classify(path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("hashing directory %s: %w", path, model.ErrNotRegularFile)
	}
	return h.hashDir(path), nil
}

func (h *Hasher) hashDir(path string) string {
	d := h.newHash()
	d.Write([]byte(filepath.Base(path)))

	entries, err := os.ReadDir(path)
	if err != nil {
		return hex.EncodeToString(d.Sum(nil))
	}
	// os.ReadDir already sorts by name; sort again so the order never
	// depends on the platform implementation.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		d.Write([]byte(entry.Name()))

		child := filepath.Join(path, entry.Name())
		switch {
		case entry.IsDir():
			d.Write([]byte(h.hashDir(child)))
		case entry.Type().IsRegular():
			if sum, err := h.HashFile(child); err == nil {
				d.Write([]byte(sum))
			}
		}
	}
	return hex.EncodeToString(d.Sum(nil))
}

// Hash picks HashDirectory or HashFile depending on isDir.
func (h *Hasher) Hash(path string, isDir bool) (string, error) {
	if isDir {
		return h.HashDirectory(path)
	}
	return h.HashFile(path)
}

// Equal reports whether two files have identical content.
func (h *Hasher) Equal(a, b string) (bool, error) {
	ha, err := h.HashFile(a)
	if err != nil {
		return false, err
	}
	hb, err := h.HashFile(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

// classify maps filesystem errors onto the engine's error taxonomy.
func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", path, model.ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%s: %w", path, model.ErrPermissionDenied)
	default:
		return fmt.Errorf("reading %s: %w", path, err)
	}
}
