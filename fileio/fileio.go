// Package fileio implements AbstractFileIO (AFIO): a bounded, process-wide
// cache of open file streams that brokers positioned, mutually exclusive
// byte I/O to an unbounded set of on-disk files while keeping at most
// MaxOpenStreams file descriptors open at once.
package fileio

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrCannotAccessFile is returned when a file cannot be opened, created,
// removed, or resized at the host filesystem layer.
var ErrCannotAccessFile = errors.New("fileio: cannot access file")

// FileIO is the positioned byte I/O contract MapStream (and any future
// FileSystem/FileHandle collaborator) is built on.
type FileIO interface {
	// Read seeks to offset and reads exactly len(buf) bytes into buf.
	Read(ctx context.Context, path string, buf []byte, offset int64) error
	// Write seeks to offset and writes exactly len(buf) bytes. If offset lies
	// past end-of-file, the file is extended (zero-filled gap) to accommodate it.
	Write(ctx context.Context, path string, buf []byte, offset int64) error
	// Make creates an empty regular file at path.
	Make(ctx context.Context, path string) error
	// Exists reports whether path resolves to a regular file.
	Exists(path string) bool
	// Remove invalidates any cached stream for path, then deletes the file.
	Remove(ctx context.Context, path string) error
	// Resize invalidates any cached stream for path, then truncates or extends
	// the file to newSize.
	Resize(ctx context.Context, path string, newSize int64) error
	// CloseMatchingStreams drops every cache entry whose path begins with
	// prefix and returns the number dropped.
	CloseMatchingStreams(prefix string) int
}

// Options configures a pool.
type Options struct {
	// MaxOpenStreams bounds the number of concurrently open file descriptors.
	// Must be >= 1.
	MaxOpenStreams int
}

// entry is one cached, lockable stream.
type entry struct {
	path string
	file *os.File
	mu   sync.Mutex
	n    *node
}

// pool is the shared AFIO implementation. It is non-copyable; share it via
// the returned FileIO interface value.
type pool struct {
	mu      sync.Mutex
	streams map[string]*entry
	lru     *lruList
	maxOpen int
}

// New returns a shared FileIO backed by a cache bounded to
// opts.MaxOpenStreams open descriptors. A zero or negative MaxOpenStreams is
// treated as 1.
func New(opts Options) FileIO {
	max := opts.MaxOpenStreams
	if max < 1 {
		max = 1
	}
	return &pool{
		streams: make(map[string]*entry),
		lru:     newLRUList(),
		maxOpen: max,
	}
}

// Read implements FileIO.
func (p *pool) Read(ctx context.Context, path string, buf []byte, offset int64) error {
	e, err := p.acquire(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return retryIO(ctx, func(context.Context) error {
		n, rerr := e.file.ReadAt(buf, offset)
		if rerr != nil {
			return rerr
		}
		if n != len(buf) {
			return fmt.Errorf("fileio: short read (%d of %d bytes) at offset %d", n, len(buf), offset)
		}
		return nil
	})
}

// Write implements FileIO.
func (p *pool) Write(ctx context.Context, path string, buf []byte, offset int64) error {
	e, err := p.acquire(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	return retryIO(ctx, func(context.Context) error {
		n, werr := e.file.WriteAt(buf, offset)
		if werr != nil {
			return werr
		}
		if n != len(buf) {
			return fmt.Errorf("fileio: short write (%d of %d bytes) at offset %d", n, len(buf), offset)
		}
		return nil
	})
}

// Make implements FileIO.
func (p *pool) Make(ctx context.Context, path string) error {
	err := retryIO(ctx, func(context.Context) error {
		f, cerr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
		if cerr != nil {
			return cerr
		}
		return f.Close()
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCannotAccessFile, err)
	}
	return nil
}

// Exists implements FileIO.
func (p *pool) Exists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// Remove implements FileIO.
func (p *pool) Remove(ctx context.Context, path string) error {
	p.CloseMatchingStreams(path)
	if err := retryIO(ctx, func(context.Context) error { return os.Remove(path) }); err != nil {
		return fmt.Errorf("%w: %v", ErrCannotAccessFile, err)
	}
	return nil
}

// Resize implements FileIO.
func (p *pool) Resize(ctx context.Context, path string, newSize int64) error {
	p.CloseMatchingStreams(path)
	if err := retryIO(ctx, func(context.Context) error { return os.Truncate(path, newSize) }); err != nil {
		return fmt.Errorf("%w: %v", ErrCannotAccessFile, err)
	}
	return nil
}

// CloseMatchingStreams implements FileIO.
func (p *pool) CloseMatchingStreams(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var closed int
	for path, e := range p.streams {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		// Acquire the entry's own lock before closing so a call already in
		// flight against this stream finishes before the handle disappears,
		// rather than being silently use-after-freed.
		e.mu.Lock()
		_ = e.file.Close()
		e.mu.Unlock()

		p.lru.unlink(e.n)
		delete(p.streams, path)
		closed++
	}
	return closed
}

// acquire returns the cached entry for path, opening (and possibly evicting
// to make room for) it if necessary. The cache-level mutex is held for
// lookup, eviction (including closing the victim), opening the file and
// insertion; it is released before the caller's Read or Write on the entry.
func (p *pool) acquire(path string) (*entry, error) {
	p.mu.Lock()
	if e, ok := p.streams[path]; ok {
		p.lru.touch(e.n)
		p.mu.Unlock()
		return e, nil
	}

	if p.lru.size >= p.maxOpen {
		victim := p.lru.evictLRU()
		if victim != nil {
			if ve, ok := p.streams[victim.path]; ok {
				delete(p.streams, victim.path)
				// Close under the victim's own lock (the pool lock is still
				// held), so an in-flight Read/Write on the victim completes
				// before its handle is closed.
				ve.mu.Lock()
				_ = ve.file.Close()
				ve.mu.Unlock()
			}
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrCannotAccessFile, err)
	}

	e := &entry{path: path, file: f}
	e.n = p.lru.pushFront(&node{path: path})
	p.streams[path] = e
	p.mu.Unlock()
	return e, nil
}

// retryIO runs task and retries retryable failures with Fibonacci backoff,
// up to 5 retries after the first attempt. A non-retryable error ends it at
// once; any error it finally returns is logged at debug level.
func retryIO(ctx context.Context, task func(ctx context.Context) error) error {
	b := retry.NewFibonacci(50 * time.Millisecond)
	var lastErr error
	err := retry.Do(ctx, retry.WithMaxRetries(5, b), func(ctx context.Context) error {
		if terr := task(ctx); terr != nil {
			lastErr = terr
			if shouldRetry(terr) {
				return retry.RetryableError(terr)
			}
			return terr
		}
		lastErr = nil
		return nil
	})
	if err != nil {
		log.Debug("fileio: retry exhausted", "error", err)
		return err
	}
	return lastErr
}

// shouldRetry reports whether err looks like a transient condition worth
// retrying, rather than a permanent failure (missing file, permission,
// read-only/full filesystem, bad argument, ...).
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, os.ErrExist) {
		return false
	}
	switch {
	case errors.Is(err, syscall.EROFS),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.EISDIR),
		errors.Is(err, syscall.EINVAL):
		return false
	}
	return true
}
