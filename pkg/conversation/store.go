// Package conversation persists conversation transcripts as append-only
// JSONL files, one file per conversation. The transcript is the LLM-facing
// history; it is distinct from the session aggregate, which tracks the
// proactive interaction lifecycle.
package conversation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bvandewe/tools-provider-sub004/pkg/agent"
	"github.com/rs/zerolog"
)

// Entry is one transcript line: a message tagged with its conversation and
// the time it was appended.
type Entry struct {
	ConversationID string        `json:"conversation_id"`
	Message        agent.Message `json:"message"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Store is the JSONL transcript store. Appends to the same conversation are
// serialized by a per-conversation lock and fsynced before returning, so a
// crash never loses an acknowledged turn.
type Store struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	logger     zerolog.Logger
}

// NewStore creates the transcript store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".tools-provider", "conversations")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}

	logger.Info().Str("dir", dir).Msg("Conversation store initialized")

	return &Store{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		logger:     logger,
	}, nil
}

// validateID guards against path traversal through conversation ids.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("conversation id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("conversation id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("conversation id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("conversation id cannot contain null bytes")
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[id] = lock
	return lock
}

// Append writes one message to the conversation transcript.
func (s *Store) Append(id string, msg agent.Message) error {
	if err := validateID(id); err != nil {
		return err
	}
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open conversation file: %w", err)
	}
	defer file.Close()

	entry := Entry{
		ConversationID: id,
		Message:        msg,
		Timestamp:      time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript entry: %w", err)
	}

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync conversation file: %w", err)
	}

	s.logger.Debug().
		Str("conversation_id", id).
		Str("role", msg.Role).
		Msg("Transcript entry appended")

	return nil
}

// History loads the conversation's messages in append order. Corrupted
// lines are skipped with a warning so one bad write cannot poison the whole
// transcript.
func (s *Store) History(id string) ([]agent.Message, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	file, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return []agent.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation file: %w", err)
	}
	defer file.Close()

	messages := []agent.Message{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn().
				Str("conversation_id", id).
				Int("line", lineNum).
				Err(err).
				Msg("Skipping corrupted transcript line")
			continue
		}
		if entry.Message.Role == "" {
			s.logger.Warn().
				Str("conversation_id", id).
				Int("line", lineNum).
				Msg("Skipping transcript entry without role")
			continue
		}

		messages = append(messages, entry.Message)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversation file: %w", err)
	}

	return messages, nil
}

// Exists reports whether a transcript file exists for the conversation.
func (s *Store) Exists(id string) bool {
	if err := validateID(id); err != nil {
		return false
	}
	_, err := os.Stat(s.path(id))
	return err == nil
}

// List returns the ids of all stored conversations, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Repair rewrites a transcript keeping only parseable lines. It returns the
// number of lines dropped. The rewrite is atomic via a temp file rename.
func (s *Store) Repair(id string) (int, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.Open(s.path(id))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open conversation file: %w", err)
	}

	kept := []string{}
	dropped := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil || entry.Message.Role == "" {
			dropped++
			continue
		}
		kept = append(kept, line)
	}
	scanErr := scanner.Err()
	file.Close()
	if scanErr != nil {
		return 0, fmt.Errorf("failed to read conversation file: %w", scanErr)
	}
	if dropped == 0 {
		return 0, nil
	}

	tmpPath := s.path(id) + ".tmp"
	content := strings.Join(kept, "\n")
	if len(kept) > 0 {
		content += "\n"
	}
	if err := os.WriteFile(tmpPath, []byte(content), 0o600); err != nil {
		return 0, fmt.Errorf("failed to write repaired transcript: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(id)); err != nil {
		return 0, fmt.Errorf("failed to replace transcript: %w", err)
	}

	s.logger.Info().
		Str("conversation_id", id).
		Int("dropped", dropped).
		Msg("Transcript repaired")

	return dropped, nil
}

// Delete removes a transcript.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete conversation file: %w", err)
	}

	s.locksMu.Lock()
	delete(s.writeLocks, id)
	s.locksMu.Unlock()

	return nil
}
