package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const transcriptExt = ".jsonl"

// ErrTranscriptNotFound is returned when no transcript exists for a workflow
var ErrTranscriptNotFound = errors.New("transcript not found")

// Entry is one line of a transcript file.
type Entry struct {
	WorkflowID string          `json:"workflowId"`
	Seq        int             `json:"seq"`
	Kind       string          `json:"kind"`
	Turn       json.RawMessage `json:"turn"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Info describes a transcript file
type Info struct {
	WorkflowID   string    `json:"workflowId"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	Turns        int       `json:"turns"`
}

// Store manages transcript persistence using JSONL format
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	written    map[string]int
	locksMu    sync.Mutex
}

// New creates a new Store rooted at dir
func New(dir string) (*Store, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".agentloop", "transcripts")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcripts directory: %w", err)
	}

	log.Debug().Str("dir", dir).Msg("Transcript store initialized")

	return &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		written:    make(map[string]int),
	}, nil
}

// Dir returns the directory transcripts are written to
func (s *Store) Dir() string {
	return s.dir
}

// validateKey validates a workflow ID for use as a file name
func validateKey(workflowID string) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id cannot be empty")
	}
	if strings.Contains(workflowID, "..") {
		return fmt.Errorf("workflow id cannot contain '..'")
	}
	if strings.ContainsAny(workflowID, "/\\") {
		return fmt.Errorf("workflow id cannot contain path separators")
	}
	if strings.Contains(workflowID, "\x00") {
		return fmt.Errorf("workflow id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(workflowID string) string {
	return filepath.Join(s.dir, workflowID+transcriptExt)
}

// writeLock gets or creates the write lock for a workflow
func (s *Store) writeLock(workflowID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, exists := s.writeLocks[workflowID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	s.writeLocks[workflowID] = lock
	return lock
}

func (s *Store) forget(workflowID string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.writeLocks, workflowID)
	delete(s.written, workflowID)
}

// SyncLog appends the turns of l that the transcript does not hold yet.
// A failed write drops the cached turn count, so the next call recounts
// from disk instead of trusting a partially written file.
func (s *Store) SyncLog(ctx context.Context, workflowID string, l *conversation.Log) (err error) {
	ctx = tracing.WithWorkflowID(ctx, workflowID)
	ctx, span := tracing.StartSpan(ctx, "agentloop.session", "session.sync",
		attribute.String("workflow_id", workflowID),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := validateKey(workflowID); err != nil {
		return err
	}
	if l == nil {
		return conversation.ErrEmptyLog
	}

	lock := s.writeLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	written, err := s.writtenCount(ctx, workflowID)
	if err != nil {
		return err
	}

	turns := l.Turns()
	if len(turns) <= written {
		return nil
	}

	start := time.Now()
	defer func() { observability.RecordTranscriptWrite(time.Since(start)) }()
	defer func() {
		if err != nil {
			s.locksMu.Lock()
			delete(s.written, workflowID)
			s.locksMu.Unlock()
		}
	}()

	file, err := os.OpenFile(s.path(workflowID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	now := time.Now().UTC()
	for i := written; i < len(turns); i++ {
		raw, err := conversation.MarshalTurn(turns[i])
		if err != nil {
			return fmt.Errorf("failed to marshal turn %d: %w", i+1, err)
		}
		data, err := json.Marshal(Entry{
			WorkflowID: workflowID,
			Seq:        i + 1,
			Kind:       string(conversation.KindOf(turns[i])),
			Turn:       raw,
			Timestamp:  now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write entries: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	s.locksMu.Lock()
	s.written[workflowID] = len(turns)
	s.locksMu.Unlock()

	logger.Debug().
		Int("from", written+1).
		Int("to", len(turns)).
		Msg("Transcript synced")

	return nil
}

// writtenCount returns how many turns are on disk, reading the file the
// first time a workflow is seen. Callers hold the workflow's write lock.
func (s *Store) writtenCount(ctx context.Context, workflowID string) (int, error) {
	s.locksMu.Lock()
	n, ok := s.written[workflowID]
	s.locksMu.Unlock()
	if ok {
		return n, nil
	}

	entries, err := s.readEntries(ctx, workflowID)
	if err != nil && !errors.Is(err, ErrTranscriptNotFound) {
		return 0, err
	}

	s.locksMu.Lock()
	s.written[workflowID] = len(entries)
	s.locksMu.Unlock()
	return len(entries), nil
}

// Entries returns the raw transcript lines of a workflow
func (s *Store) Entries(ctx context.Context, workflowID string) ([]Entry, error) {
	if err := validateKey(workflowID); err != nil {
		return nil, err
	}
	return s.readEntries(ctx, workflowID)
}

func (s *Store) readEntries(ctx context.Context, workflowID string) ([]Entry, error) {
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	file, err := os.Open(s.path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTranscriptNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to open transcript file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil || len(entry.Turn) == 0 {
			logger.Warn().
				Str("workflow_id", workflowID).
				Int("line", lineNum).
				AnErr("parse_error", err).
				Msg("Invalid transcript line, skipping")
			continue
		}
		entries = append(entries, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript file: %w", err)
	}
	return entries, nil
}

// LoadLog rebuilds the conversation log of a workflow from its transcript.
func (s *Store) LoadLog(workflowID string) (*conversation.Log, error) {
	ctx := tracing.WithWorkflowID(context.Background(), workflowID)
	entries, err := s.Entries(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	turns := make([]conversation.Turn, 0, len(entries))
	for _, entry := range entries {
		turn, err := conversation.UnmarshalTurn(entry.Turn)
		if err != nil {
			return nil, fmt.Errorf("transcript %s entry %d: %w", workflowID, entry.Seq, err)
		}
		turns = append(turns, turn)
	}
	return conversation.NewLogFromTurns(turns)
}

// Delete removes the transcript of a workflow
func (s *Store) Delete(workflowID string) error {
	if err := validateKey(workflowID); err != nil {
		return err
	}

	lock := s.writeLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(workflowID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript file: %w", err)
	}
	s.forget(workflowID)

	log.Debug().Str("workflow_id", workflowID).Msg("Transcript deleted")
	return nil
}

// List returns the workflow IDs that have a transcript
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read transcripts directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), transcriptExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), transcriptExt))
	}
	return ids, nil
}

// Info returns metadata about a transcript
func (s *Store) Info(workflowID string) (Info, error) {
	if err := validateKey(workflowID); err != nil {
		return Info{}, err
	}

	stat, err := os.Stat(s.path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, fmt.Errorf("%w: %s", ErrTranscriptNotFound, workflowID)
		}
		return Info{}, fmt.Errorf("failed to stat transcript file: %w", err)
	}

	entries, err := s.readEntries(context.Background(), workflowID)
	if err != nil {
		return Info{}, err
	}

	return Info{
		WorkflowID:   workflowID,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
		Turns:        len(entries),
	}, nil
}

// Repair rewrites a transcript without its unreadable lines.
func (s *Store) Repair(workflowID string) error {
	if err := validateKey(workflowID); err != nil {
		return err
	}

	lock := s.writeLock(workflowID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := s.readEntries(context.Background(), workflowID)
	if err != nil {
		return err
	}

	path := s.path(workflowID)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err == nil {
			_, err = file.Write(append(data, '\n'))
		}
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	// Atomic replace
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace transcript file: %w", err)
	}

	s.locksMu.Lock()
	s.written[workflowID] = len(entries)
	s.locksMu.Unlock()

	log.Info().
		Str("workflow_id", workflowID).
		Int("entries", len(entries)).
		Msg("Transcript repaired")
	return nil
}

// Close drops cached write state
func (s *Store) Close() error {
	s.locksMu.Lock()
	s.writeLocks = make(map[string]*sync.Mutex)
	s.written = make(map[string]int)
	s.locksMu.Unlock()
	return nil
}
