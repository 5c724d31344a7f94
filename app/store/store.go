// Package store keeps the job collection in a single JSON document on disk.
// Every operation re-reads the document, mutations rewrite it as a whole.
// Mutations of one JSON store are serialized, so concurrent writers in the same
// process can't lose each other's updates. Writers from other processes are not coordinated.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
)

var (
	// ErrNotFound returned when no job with the requested id exists
	ErrNotFound = errors.New("job not found")
	// ErrPersistFailed returned when the collection can't be written back, the prior document stays in effect
	ErrPersistFailed = errors.New("failed to persist jobs")
	// ErrStorageUnavailable returned in strict mode when the existing document can't be read or parsed
	ErrStorageUnavailable = errors.New("jobs storage unavailable")
)

// Repeater repeats failed function
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// JSON is a job store backed by a JSON array document
type JSON struct {
	path     string
	strict   bool
	now      func() time.Time
	newID    func() string
	repeater Repeater
	mu       sync.RWMutex
}

// Option func type
type Option func(s *JSON)

// Strict makes reads fail with ErrStorageUnavailable on unreadable or corrupt document
// instead of treating it as an empty collection
func Strict(strict bool) Option {
	return func(s *JSON) { s.strict = strict }
}

// WithClock sets time source for createdAt and updatedAt
func WithClock(now func() time.Time) Option {
	return func(s *JSON) { s.now = now }
}

// WithIDGen sets generator of job ids
func WithIDGen(gen func() string) Option {
	return func(s *JSON) { s.newID = gen }
}

// WithRepeater sets retry strategy for writing the document. Without it write is attempted once.
func WithRepeater(r Repeater) Option {
	return func(s *JSON) { s.repeater = r }
}

// NewJSON makes a store for the document at path. Document and its directory are created on first write.
func NewJSON(path string, opts ...Option) *JSON {
	res := &JSON{path: path, now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(res)
	}
	log.Printf("[INFO] jobs store %s", res)
	return res
}

// List returns all jobs in insertion order
func (s *JSON) List(_ context.Context) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}

// Get returns job by id
func (s *JSON) Get(_ context.Context, id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs, err := s.load()
	if err != nil {
		return Job{}, err
	}
	idx := indexOf(jobs, id)
	if idx < 0 {
		return Job{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return jobs[idx], nil
}

// Create adds a new job with generated id and both timestamps set to now.
// System fields of the input are ignored. Returned job is in the form Get reads it back,
// i.e. numbers are json.Number.
func (s *JSON) Create(ctx context.Context, fields map[string]any) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return Job{}, err
	}

	ts := s.timestamp()
	job, err := Job{ID: s.newID(), CreatedAt: ts, UpdatedAt: ts, Fields: userFields(fields)}.normalize()
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w: %v", ErrPersistFailed, err)
	}
	if err := s.save(ctx, append(jobs, job)); err != nil {
		return Job{}, err
	}
	log.Printf("[DEBUG] created job %s", job.ID)
	return job, nil
}

// Update merges fields into the existing job. Fields from the input win, missing ones are kept.
// Id and createdAt never change, updatedAt set to now.
func (s *JSON) Update(ctx context.Context, id string, fields map[string]any) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return Job{}, err
	}
	idx := indexOf(jobs, id)
	if idx < 0 {
		return Job{}, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}

	merged := jobs[idx]
	maps.Copy(merged.Fields, userFields(fields))
	merged.UpdatedAt = s.timestamp()
	job, err := merged.normalize()
	if err != nil {
		return Job{}, fmt.Errorf("encode job %s: %w: %v", id, ErrPersistFailed, err)
	}
	jobs[idx] = job

	if err := s.save(ctx, jobs); err != nil {
		return Job{}, err
	}
	log.Printf("[DEBUG] updated job %s", id)
	return job, nil
}

// Delete removes job by id and returns it
func (s *JSON) Delete(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.load()
	if err != nil {
		return Job{}, err
	}
	idx := indexOf(jobs, id)
	if idx < 0 {
		return Job{}, fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}

	deleted := jobs[idx]
	if err := s.save(ctx, slices.Delete(jobs, idx, idx+1)); err != nil {
		return Job{}, err
	}
	log.Printf("[DEBUG] deleted job %s", id)
	return deleted, nil
}

func (s *JSON) String() string {
	return fmt.Sprintf("path:%s, strict:%v", s.path, s.strict)
}

// load reads the whole document. Missing document is an empty collection,
// corrupt one (not JSON, not an array of objects) is empty too unless the store is strict.
// Records are taken as-is, nothing in them is validated or rewritten.
func (s *JSON) load() ([]Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Job{}, nil
		}
		return s.readFailed(err)
	}

	var jobs []Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return s.readFailed(err)
	}
	if jobs == nil { // document with null
		jobs = []Job{}
	}
	return jobs, nil
}

func (s *JSON) readFailed(err error) ([]Job, error) {
	if s.strict {
		return nil, fmt.Errorf("read %s: %w: %v", s.path, ErrStorageUnavailable, err)
	}
	log.Printf("[WARN] can't read jobs from %s, treated as empty: %v", s.path, err)
	return []Job{}, nil
}

// save writes the whole collection, with optional retries
func (s *JSON) save(ctx context.Context, jobs []Job) error {
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w: %v", s.path, ErrPersistFailed, err)
	}

	write := func() error { return s.write(data) }
	if s.repeater != nil {
		err = s.repeater.Do(ctx, write)
	} else {
		err = write()
	}
	if err != nil {
		log.Printf("[ERROR] can't write jobs to %s: %v", s.path, err)
		return fmt.Errorf("write %s: %w: %v", s.path, ErrPersistFailed, err)
	}
	return nil
}

// write replaces the document atomically, a partial write never becomes visible
func (s *JSON) write(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("make dir %s: %w", dir, err)
	}

	fh, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := fh.Name()
	defer os.Remove(tmpName) // leftover on failure, no-op after rename

	if _, err = fh.Write(data); err != nil {
		_ = fh.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = fh.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o640); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func (s *JSON) timestamp() string {
	return s.now().UTC().Format(TimeLayout)
}

// indexOf finds job by string id, records stored with non-string id never match
func indexOf(jobs []Job, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(jobs, func(j Job) bool { return j.ID == id })
}
