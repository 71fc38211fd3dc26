package storage

import (
	"bytes"
	"chat-relay/contract"
	"chat-relay/domain"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

const defaultSegmentSize = 64 * 1024

var _ contract.Stager = (*BadgerStager)(nil)

// BadgerStager keeps staged uploads in BadgerDB as fixed size segments:
//
//	stage:<id>:seg:<%09d> -> bytes
//	stage:<id>:meta       -> name, size, sha256 (written when the upload is sealed)
//
// Readers fetch one segment per transaction, so concurrent recipients never
// hold a long lived read transaction.
type BadgerStager struct {
	db          *badger.DB
	log         *slog.Logger
	segmentSize int
}

func NewBadgerStager(db *badger.DB, log *slog.Logger) *BadgerStager {
	return &BadgerStager{db: db, log: log, segmentSize: defaultSegmentSize}
}

// OpenBadger opens the staging database. An empty path keeps everything in memory.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	return badger.Open(opts)
}

func (s *BadgerStager) Create(_ context.Context, name string) (domain.StagingHandle, io.WriteCloser, error) {
	handle := domain.StagingHandle("stage:" + uuid.NewString())
	w := &badgerWriter{
		stager: s,
		handle: handle,
		name:   name,
		buf:    make([]byte, 0, s.segmentSize),
		hash:   sha256.New(),
	}
	return handle, w, nil
}

func (s *BadgerStager) Open(_ context.Context, handle domain.StagingHandle) (io.ReadCloser, error) {
	var meta stagedMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(handle))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			meta, err = unmarshalMeta(v)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("staged content %s is missing or not sealed", handle)
	}
	if err != nil {
		return nil, err
	}
	return &badgerReader{db: s.db, handle: handle, remaining: meta.Size}, nil
}

// Release deletes every key of the handle.
func (s *BadgerStager) Release(_ context.Context, handle domain.StagingHandle) error {
	prefix := keyPrefix(handle)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

type badgerWriter struct {
	stager  *BadgerStager
	handle  domain.StagingHandle
	name    string
	buf     []byte
	segment int
	size    int64
	hash    hash.Hash
	digest  string
	closed  bool
}

var _ contract.Digester = (*badgerWriter)(nil)

func (w *badgerWriter) Sha256() string { return w.digest }

func (w *badgerWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("staged content %s is already sealed", w.handle)
	}
	written := 0
	for len(p) > 0 {
		n := min(cap(w.buf)-len(w.buf), len(p))
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		written += n
		if len(w.buf) == cap(w.buf) {
			if err := w.flush(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close writes the last partial segment and seals the content with its metadata.
func (w *badgerWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.flush(); err != nil {
		return err
	}

	w.digest = fmt.Sprintf("%x", w.hash.Sum(nil))
	meta := stagedMeta{Name: w.name, Size: w.size, Sha256: w.digest}
	err := w.stager.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(w.handle), meta.marshal())
	})
	if err != nil {
		return err
	}
	w.stager.log.Debug("Staged content sealed", "handle", w.handle, "file", w.name, "size", w.size, "sha256", meta.Sha256)
	return nil
}

func (w *badgerWriter) flush() error {
	if len(w.buf) == 0 {
		return nil
	}
	data := bytes.Clone(w.buf)
	key := segmentKey(w.handle, w.segment)
	err := w.stager.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return err
	}
	w.hash.Write(data)
	w.size += int64(len(data))
	w.segment++
	w.buf = w.buf[:0]
	return nil
}

type badgerReader struct {
	db        *badger.DB
	handle    domain.StagingHandle
	segment   int
	current   []byte
	remaining int64
}

func (r *badgerReader) Read(p []byte) (int, error) {
	for len(r.current) == 0 {
		if r.remaining <= 0 {
			return 0, io.EOF
		}
		if err := r.load(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.current)
	r.current = r.current[n:]
	r.remaining -= int64(n)
	return n, nil
}

func (r *badgerReader) load() error {
	key := segmentKey(r.handle, r.segment)
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		r.current, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return io.ErrUnexpectedEOF
	}
	if err != nil {
		return err
	}
	r.segment++
	return nil
}

func (r *badgerReader) Close() error { return nil }

func keyPrefix(handle domain.StagingHandle) []byte {
	return []byte(string(handle) + ":")
}

func metaKey(handle domain.StagingHandle) []byte {
	return []byte(string(handle) + ":meta")
}

func segmentKey(handle domain.StagingHandle, i int) []byte {
	return []byte(fmt.Sprintf("%s:seg:%09d", handle, i))
}

type stagedMeta struct {
	Name   string
	Size   int64
	Sha256 string
}

func (m stagedMeta) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.Name)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Size))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, m.Sha256)
	return b
}

func unmarshalMeta(b []byte) (stagedMeta, error) {
	var m stagedMeta
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Name, b = v, b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Size, b = int64(v), b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.Sha256, b = v, b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}
