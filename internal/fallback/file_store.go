package fallback

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mechnerve/mechnerve-website/internal/logger"
	"github.com/mechnerve/mechnerve-website/internal/models"
)

// FileStore keeps records as JSON lines in a single file. Appends are one
// write followed by fsync. A failed append is cut back out of the file. The
// file is compacted to the newest capacity records once it grows to twice
// the capacity.
type FileStore struct {
	path     string
	capacity int
	logger   zerolog.Logger
	open     func(path string) (appendFile, error)

	mu      sync.RWMutex
	file    appendFile
	records []models.FallbackRecord
	lines   int
	dirty   bool
}

// appendFile is the subset of *os.File the store writes through.
type appendFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// FileOption customises a FileStore.
type FileOption func(*FileStore)

// WithFileLogger sets the logger used for recovery warnings.
func WithFileLogger(l zerolog.Logger) FileOption {
	return func(s *FileStore) {
		s.logger = logger.Component(l, "fallback_file")
	}
}

// NewFileStore opens or creates the log at path and loads existing records.
// Lines that cannot be decoded, such as a write torn by a crash, are skipped.
func NewFileStore(path string, capacity int, opts ...FileOption) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("fallback: file path is required")
	}
	if capacity < 1 {
		capacity = DefaultCapacity
	}

	s := &FileStore{
		path:     path,
		capacity: capacity,
		logger:   zerolog.Nop(),
		open:     openAppendFile,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, storageErr("create directory", err)
	}

	clean, err := s.load()
	if err != nil {
		return nil, err
	}

	if !clean || s.lines > s.capacity {
		if err := s.compact(); err != nil {
			return nil, err
		}
	} else if err := s.openAppend(); err != nil {
		return nil, err
	}

	return s, nil
}

// Append implements Store.
func (s *FileStore) Append(ctx context.Context, rec models.FallbackRecord) error {
	if err := ctx.Err(); err != nil {
		return storageErr("append", err)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return storageErr("encode record", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return storageErr("append", os.ErrClosed)
	}
	if s.dirty {
		if err := s.compact(); err != nil {
			return err
		}
	}

	info, err := s.file.Stat()
	if err != nil {
		return storageErr("stat file", err)
	}
	offset := info.Size()

	op := "write record"
	_, err = s.file.Write(line)
	if err == nil {
		op = "sync record"
		err = s.file.Sync()
	}
	if err != nil {
		s.rollback(offset)
		return storageErr(op, err)
	}

	rec.Submission = rec.Submission.Snapshot()
	s.records = append(s.records, rec)
	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity:]
	}
	s.lines++

	if s.lines >= 2*s.capacity {
		if err := s.compact(); err != nil {
			// The record itself is durable; the file is just longer than needed.
			s.logger.Warn().Err(err).Msg("fallback compaction failed")
		}
	}
	return nil
}

// rollback cuts a failed append back to offset. When that fails too the
// store is marked dirty and rewritten before the next append.
func (s *FileStore) rollback(offset int64) {
	err := s.file.Truncate(offset)
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		s.dirty = true
		s.logger.Warn().Err(err).Int64("offset", offset).Msg("fallback rollback failed, compacting on next append")
	}
}

// ReadAll implements Store.
func (s *FileStore) ReadAll(ctx context.Context) ([]models.FallbackRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("read", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecords(s.records), nil
}

// Len implements Store.
func (s *FileStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("len", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

// Close releases the underlying file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// load reads the file into memory. It reports false when the file contained
// undecodable lines or did not end in a newline.
func (s *FileStore) load() (bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, storageErr("read file", err)
	}

	clean := len(data) == 0 || data[len(data)-1] == '\n'
	skipped := 0

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec models.FallbackRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		s.records = append(s.records, rec)
		s.lines++
	}
	if err := scanner.Err(); err != nil {
		return false, storageErr("scan file", err)
	}

	if skipped > 0 {
		clean = false
		s.logger.Warn().
			Int("skipped", skipped).
			Str("path", s.path).
			Msg("skipped undecodable fallback records")
	}

	if len(s.records) > s.capacity {
		s.records = s.records[len(s.records)-s.capacity:]
	}
	return clean, nil
}

// compact atomically replaces the file with the retained records. Callers
// hold mu or have exclusive access.
func (s *FileStore) compact() error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return storageErr("create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range s.records {
		if err := enc.Encode(rec); err != nil {
			_ = tmp.Close()
			return storageErr("encode record", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return storageErr("flush temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return storageErr("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return storageErr("close temp file", err)
	}

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		if openErr := s.openAppend(); openErr != nil {
			return storageErr("rename temp file", errors.Join(err, openErr))
		}
		return storageErr("rename temp file", err)
	}
	syncDir(dir)

	s.lines = len(s.records)
	s.dirty = false
	return s.openAppend()
}

func (s *FileStore) openAppend() error {
	f, err := s.open(s.path)
	if err != nil {
		return storageErr("open file", err)
	}
	s.file = f
	return nil
}

func openAppendFile(path string) (appendFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (s *FileStore) String() string {
	return fmt.Sprintf("file:%s", s.path)
}
