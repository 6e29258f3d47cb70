// Package upload implements chunked CSV upload staging: a client opens a
// session, sends numbered chunks in any order (retrying individual chunks
// freely), then completes the session to assemble the original file.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("upload: session not found")
	ErrBadExtension    = errors.New("upload: unsupported file extension")
	ErrTooLarge        = errors.New("upload: file exceeds size limit")
	ErrChunkIndex      = errors.New("upload: chunk index out of range")
	ErrChunkTooLarge   = errors.New("upload: chunk exceeds chunk size limit")
	ErrIncomplete      = errors.New("upload: session is missing chunks")
	ErrSizeMismatch    = errors.New("upload: assembled size does not match declared size")
)

// Session is the metadata for one in-flight chunked upload.
type Session struct {
	ID          uuid.UUID `json:"id"`
	FileName    string    `json:"file_name"`
	TotalBytes  int64     `json:"total_bytes"`
	TotalChunks int       `json:"total_chunks"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStore persists sessions and their chunk data. Implementations must
// make PutChunk idempotent: re-writing an index replaces the previous bytes.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	PutChunk(ctx context.Context, id uuid.UUID, index int, data []byte) error
	GetChunk(ctx context.Context, id uuid.UUID, index int) ([]byte, error)
	ReceivedIndexes(ctx context.Context, id uuid.UUID) ([]int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Limits bound a single upload.
type Limits struct {
	MaxFileBytes  int64
	MaxChunkBytes int64
}

// Assembler coordinates upload sessions over a SessionStore.
type Assembler struct {
	store  SessionStore
	limits Limits
}

// NewAssembler creates an assembler with the given store and limits.
func NewAssembler(store SessionStore, limits Limits) *Assembler {
	return &Assembler{store: store, limits: limits}
}

// Start opens a new session. Only .csv files are accepted and the declared
// size must fit the configured limit; both are 4xx-class client errors.
func (a *Assembler) Start(ctx context.Context, fileName string, totalBytes int64, totalChunks int) (*Session, error) {
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != ".csv" {
		return nil, fmt.Errorf("%w: %q", ErrBadExtension, ext)
	}
	if totalBytes <= 0 || totalBytes > a.limits.MaxFileBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, totalBytes, a.limits.MaxFileBytes)
	}
	if totalChunks < 1 {
		return nil, fmt.Errorf("%w: need at least one chunk", ErrChunkIndex)
	}

	s := &Session{
		ID:          uuid.New(),
		FileName:    fileName,
		TotalBytes:  totalBytes,
		TotalChunks: totalChunks,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// PutChunk stores one chunk. Retried chunks overwrite their previous bytes,
// so a client may resend any chunk without corrupting the session.
func (a *Assembler) PutChunk(ctx context.Context, id uuid.UUID, index int, data []byte) error {
	s, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if index < 0 || index >= s.TotalChunks {
		return fmt.Errorf("%w: %d of %d", ErrChunkIndex, index, s.TotalChunks)
	}
	if int64(len(data)) > a.limits.MaxChunkBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrChunkTooLarge, len(data), a.limits.MaxChunkBytes)
	}
	return a.store.PutChunk(ctx, id, index, data)
}

// Complete verifies every chunk arrived, concatenates them in index order
// and tears down the session. The session survives a failed completion so
// the client can fill the gaps and retry.
func (a *Assembler) Complete(ctx context.Context, id uuid.UUID) (*Session, []byte, error) {
	s, err := a.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	received, err := a.store.ReceivedIndexes(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("list chunks: %w", err)
	}
	if missing := missingIndexes(received, s.TotalChunks); len(missing) > 0 {
		return nil, nil, fmt.Errorf("%w: missing %v", ErrIncomplete, missing)
	}

	buf := make([]byte, 0, s.TotalBytes)
	for i := range s.TotalChunks {
		chunk, err := a.store.GetChunk(ctx, id, i)
		if err != nil {
			return nil, nil, fmt.Errorf("read chunk %d: %w", i, err)
		}
		buf = append(buf, chunk...)
	}
	if int64(len(buf)) != s.TotalBytes {
		return nil, nil, fmt.Errorf("%w: got %d, declared %d", ErrSizeMismatch, len(buf), s.TotalBytes)
	}

	if err := a.store.Delete(ctx, id); err != nil {
		return nil, nil, fmt.Errorf("delete session: %w", err)
	}
	return s, buf, nil
}

// Abort discards a session and its chunks.
func (a *Assembler) Abort(ctx context.Context, id uuid.UUID) error {
	if _, err := a.store.Get(ctx, id); err != nil {
		return err
	}
	return a.store.Delete(ctx, id)
}

func missingIndexes(received []int, total int) []int {
	have := make(map[int]bool, len(received))
	for _, i := range received {
		have[i] = true
	}
	var missing []int
	for i := range total {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	return missing
}
