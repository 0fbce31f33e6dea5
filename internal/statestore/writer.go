package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("state store is closed")

// writeJob is one unit of work for the writer loop. The loop runs jobs
// strictly in enqueue order and reports the outcome on result.
type writeJob struct {
	fn     func(db *sql.DB) error
	result chan error
}

const (
	writeRetries       = 3
	reconnectBackoffMS = 100
)

// enqueue hands a write to the writer loop and waits for durability.
func (s *Store) enqueue(ctx context.Context, fn func(db *sql.DB) error) error {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return ErrClosed
	}
	job := writeJob{fn: fn, result: make(chan error, 1)}
	s.jobs <- job
	s.closeMu.RUnlock()

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writerLoop drains the job queue serially against the single
// connection. Transactions never interleave.
func (s *Store) writerLoop() {
	defer close(s.writerDone)
	for job := range s.jobs {
		job.result <- s.runWrite(job.fn)
	}
}

// runWrite executes one write, reconnecting once and retrying with
// linear backoff when the connection looks broken.
func (s *Store) runWrite(fn func(db *sql.DB) error) error {
	err := fn(s.conn())
	if err == nil || !retryableWriteError(err) {
		return err
	}
	if rerr := s.reconnect(); rerr != nil {
		return fmt.Errorf("write failed (%v) and reconnect failed: %w", err, rerr)
	}
	for attempt := 1; attempt <= writeRetries; attempt++ {
		time.Sleep(time.Duration(reconnectBackoffMS*attempt) * time.Millisecond)
		if err = fn(s.conn()); err == nil {
			return nil
		}
		if !retryableWriteError(err) {
			return err
		}
	}
	return fmt.Errorf("write failed after %d retries: %w", writeRetries, err)
}

func (s *Store) conn() *sql.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

func (s *Store) reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		_ = s.db.Close()
	}
	db, err := openDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func retryableWriteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"database is locked",
		"database is busy",
		"disk i/o error",
		"bad connection",
		"connection is already closed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
