package history

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"invoice_dispatch_bot/internal/domain/dispatch"

	"github.com/gofrs/flock"
)

// FileRepository is the default dispatch history store: a line-delimited
// JSON file. Appends are single writes of one full line followed by a
// sync, performed under an exclusive cross-process lock, so a crash
// mid-write can at worst leave one torn trailing line, which readers skip,
// and never corrupts prior records.
type FileRepository struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFileRepository creates a repository backed by the given JSONL path.
// The file is created on first append.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Exists reports whether a record with the identical key tuple has been
// appended.
func (r *FileRepository) Exists(ctx context.Context, key dispatch.Key) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.RLock(); err != nil {
		return false, fmt.Errorf("locking history file %s: %w", r.path, err)
	}
	defer r.lock.Unlock()
	return r.existsLocked(ctx, key)
}

// Append writes one record. It never overwrites and never deduplicates;
// dedup enforcement belongs to the membership test before a send.
func (r *FileRepository) Append(ctx context.Context, rec *dispatch.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("locking history file %s: %w", r.path, err)
	}
	defer r.lock.Unlock()
	return r.appendLocked(ctx, rec)
}

// List returns appended records in order, filtered by organization when org
// is non-empty.
func (r *FileRepository) List(ctx context.Context, org string) ([]*dispatch.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.RLock(); err != nil {
		return nil, fmt.Errorf("locking history file %s: %w", r.path, err)
	}
	defer r.lock.Unlock()

	records, err := r.readAllLocked(ctx)
	if err != nil {
		return nil, err
	}
	if org == "" {
		return records, nil
	}
	var filtered []*dispatch.Record
	for _, rec := range records {
		if rec.Organization == org {
			filtered = append(filtered, rec)
		}
	}
	return filtered, nil
}

// WithKeyLock runs fn under the file's exclusive lock. The lock covers the
// whole file rather than one key, which is stricter than the contract
// requires: between the membership test and the append inside fn, no other
// run, on this host or another sharing the file, can read or write the
// history at all.
func (r *FileRepository) WithKeyLock(ctx context.Context, _ dispatch.Key, fn func(g dispatch.Guard) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("locking history file %s: %w", r.path, err)
	}
	defer r.lock.Unlock()

	return fn(fileGuard{r: r})
}

// fileGuard is the in-lock view handed to WithKeyLock callbacks. Its
// methods assume the repository's locks are already held.
type fileGuard struct {
	r *FileRepository
}

func (g fileGuard) Exists(ctx context.Context, key dispatch.Key) (bool, error) {
	return g.r.existsLocked(ctx, key)
}

func (g fileGuard) Append(ctx context.Context, rec *dispatch.Record) error {
	return g.r.appendLocked(ctx, rec)
}

func (r *FileRepository) existsLocked(ctx context.Context, key dispatch.Key) (bool, error) {
	records, err := r.readAllLocked(ctx)
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if rec.Key() == key {
			return true, nil
		}
	}
	return false, nil
}

func (r *FileRepository) appendLocked(ctx context.Context, rec *dispatch.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding dispatch record: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening history file %s: %w", r.path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending to history file %s: %w", r.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing history file %s: %w", r.path, err)
	}
	return nil
}

func (r *FileRepository) readAllLocked(ctx context.Context) ([]*dispatch.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading history file %s: %w", r.path, err)
	}

	var records []*dispatch.Record
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec := &dispatch.Record{}
		if err := json.Unmarshal(line, rec); err != nil {
			// A torn trailing line from an interrupted append is not an
			// error; the record it belonged to was never confirmed.
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning history file %s: %w", r.path, err)
	}
	return records, nil
}
