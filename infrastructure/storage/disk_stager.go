package storage

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"context"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

var _ contract.Stager = (*DiskStager)(nil)

// DiskStager writes each upload to its own temporary file under dir.
// The handle is the file name, never a path supplied by a client.
type DiskStager struct {
	dir string
	log *slog.Logger
}

func NewDiskStager(dir string, log *slog.Logger) (*DiskStager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging dir %s: %w", dir, err)
	}
	return &DiskStager{dir: dir, log: log}, nil
}

func (s *DiskStager) Create(_ context.Context, name string) (domain.StagingHandle, io.WriteCloser, error) {
	f, err := os.CreateTemp(s.dir, "relay-*.tmp")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	handle := domain.StagingHandle(filepath.Base(f.Name()))
	return handle, &diskWriter{file: f, name: name, handle: handle, hash: sha256.New(), log: s.log}, nil
}

func (s *DiskStager) Open(_ context.Context, handle domain.StagingHandle) (io.ReadCloser, error) {
	p, err := s.path(handle)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

func (s *DiskStager) Release(_ context.Context, handle domain.StagingHandle) error {
	p, err := s.path(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *DiskStager) path(handle domain.StagingHandle) (string, error) {
	h := string(handle)
	if h == "" || strings.ContainsAny(h, `/\`) || h == "." || h == ".." {
		return "", fmt.Errorf("invalid staging handle %q", handle)
	}
	return filepath.Join(s.dir, h), nil
}

// diskWriter keeps a running SHA256 of everything written.
type diskWriter struct {
	file   *os.File
	name   string
	handle domain.StagingHandle
	size   int64
	hash   hash.Hash
	digest string
	log    *slog.Logger
}

var _ contract.Digester = (*diskWriter)(nil)

func (w *diskWriter) Sha256() string { return w.digest }

func (w *diskWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.hash.Write(p[:n])
	w.size += int64(n)
	return n, err
}

func (w *diskWriter) Close() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.digest = fmt.Sprintf("%x", w.hash.Sum(nil))
	w.log.Debug("Staged content sealed",
		"handle", w.handle,
		"file", w.name,
		"size", w.size,
		"sha256", w.digest)
	return nil
}
