package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/natefinch/atomic"

	"ticketforge/server/internal/ticket"
)

const (
	ticketsDirName     = "tickets"
	journalFileName    = "journal.json"
	attachmentsDirName = "attachments"
)

// FileStore persists journals under a per-repository data directory
// using a two-level hashed fan-out: tickets/{id%100}/{id}/journal.json.
// Attachments live alongside at .../attachments/{filename}.
type FileStore struct {
	baseDir string

	mu       sync.Mutex
	journals map[string]*sync.Mutex
	counters map[string]*idCounter
}

type idCounter struct {
	mu     sync.Mutex
	seeded bool
	high   int64
}

// NewFileStore creates a file backend rooted at baseDir. Each
// repository gets its own subtree.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{
		baseDir:  baseDir,
		journals: make(map[string]*sync.Mutex),
		counters: make(map[string]*idCounter),
	}, nil
}

func (s *FileStore) repoDir(repository string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(repository))
}

func (s *FileStore) ticketDir(repository string, number int64) string {
	fanout := fmt.Sprintf("%02d", number%100)
	return filepath.Join(s.repoDir(repository), ticketsDirName, fanout, strconv.FormatInt(number, 10))
}

func (s *FileStore) journalPath(repository string, number int64) string {
	return filepath.Join(s.ticketDir(repository, number), journalFileName)
}

func (s *FileStore) journalLock(repository string, number int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fmt.Sprintf("%s#%d", repository, number)
	lock, ok := s.journals[key]
	if !ok {
		lock = &sync.Mutex{}
		s.journals[key] = lock
	}
	return lock
}

func (s *FileStore) counter(repository string) *idCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[repository]
	if !ok {
		counter = &idCounter{}
		s.counters[repository] = counter
	}
	return counter
}

func (s *FileStore) HasTicket(ctx context.Context, repository string, number int64) bool {
	raw, err := os.ReadFile(s.journalPath(repository, number))
	if err != nil {
		return false
	}
	// A reserved-but-unwritten journal holds an empty array; the ticket
	// does not exist until its first change lands.
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("[]"))
}

func (s *FileStore) Ids(ctx context.Context, repository string) ([]int64, error) {
	ticketsDir := filepath.Join(s.repoDir(repository), ticketsDirName)
	fanouts, err := os.ReadDir(ticketsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("walk tickets dir: %w", err)
	}

	var ids []int64
	for _, fanout := range fanouts {
		if !fanout.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(ticketsDir, fanout.Name()))
		if err != nil {
			return nil, fmt.Errorf("walk fanout %s: %w", fanout.Name(), err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			id, err := strconv.ParseInt(entry.Name(), 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *FileStore) AssignNewID(ctx context.Context, repository string) (int64, error) {
	counter := s.counter(repository)
	counter.mu.Lock()
	defer counter.mu.Unlock()

	if !counter.seeded {
		ids, err := s.Ids(ctx, repository)
		if err != nil {
			return 0, fmt.Errorf("seed id counter: %w", err)
		}
		for _, id := range ids {
			if id > counter.high {
				counter.high = id
			}
		}
		counter.seeded = true
	}

	next := counter.high + 1

	// Reserve the id on disk before returning it so a process restart
	// cannot hand it out again.
	dir := s.ticketDir(repository, next)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("reserve ticket dir: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, journalFileName), bytes.NewReader([]byte("[]\n"))); err != nil {
		return 0, fmt.Errorf("reserve journal: %w", err)
	}

	counter.high = next
	return next, nil
}

func (s *FileStore) Journal(ctx context.Context, repository string, number int64) ([]*ticket.Change, error) {
	raw, err := os.ReadFile(s.journalPath(repository, number))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	var changes []*ticket.Change
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, &CorruptError{Repository: repository, Number: number, Err: err}
	}
	return changes, nil
}

func (s *FileStore) CommitChange(ctx context.Context, repository string, number int64, change *ticket.Change) error {
	lock := s.journalLock(repository, number)
	lock.Lock()
	defer lock.Unlock()

	changes, err := s.Journal(ctx, repository, number)
	if err != nil {
		return err
	}
	changes = append(changes, change)

	payload, err := json.MarshalIndent(changes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	dir := s.ticketDir(repository, number)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ticket dir: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, journalFileName), bytes.NewReader(append(payload, '\n'))); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func (s *FileStore) DeleteTicket(ctx context.Context, repository string, number int64) (bool, error) {
	lock := s.journalLock(repository, number)
	lock.Lock()
	defer lock.Unlock()

	dir := s.ticketDir(repository, number)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete ticket dir: %w", err)
	}
	return true, nil
}

func (s *FileStore) DeleteAll(ctx context.Context, repository string) (bool, error) {
	ticketsDir := filepath.Join(s.repoDir(repository), ticketsDirName)
	if _, err := os.Stat(ticketsDir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(ticketsDir); err != nil {
		return false, fmt.Errorf("delete tickets dir: %w", err)
	}
	s.mu.Lock()
	delete(s.counters, repository)
	s.mu.Unlock()
	return true, nil
}

func (s *FileStore) Rename(ctx context.Context, oldRepository, newRepository string) (bool, error) {
	oldDir := s.repoDir(oldRepository)
	if _, err := os.Stat(oldDir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	newDir := s.repoDir(newRepository)
	if err := os.MkdirAll(filepath.Dir(newDir), 0o755); err != nil {
		return false, fmt.Errorf("create parent dir: %w", err)
	}
	if err := os.Rename(oldDir, newDir); err != nil {
		return false, fmt.Errorf("rename repository dir: %w", err)
	}
	s.mu.Lock()
	if counter, ok := s.counters[oldRepository]; ok {
		s.counters[newRepository] = counter
		delete(s.counters, oldRepository)
	}
	s.mu.Unlock()
	return true, nil
}

// SaveAttachment stores an attachment next to the ticket journal.
func (s *FileStore) SaveAttachment(repository string, number int64, filename string, data []byte) error {
	dir := filepath.Join(s.ticketDir(repository, number), attachmentsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create attachments dir: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(dir, filepath.Base(filename)), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write attachment: %w", err)
	}
	return nil
}

// Attachment reads an attachment stored by SaveAttachment.
func (s *FileStore) Attachment(repository string, number int64, filename string) ([]byte, error) {
	path := filepath.Join(s.ticketDir(repository, number), attachmentsDirName, filepath.Base(filename))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return data, nil
}

func (s *FileStore) Close() error { return nil }
