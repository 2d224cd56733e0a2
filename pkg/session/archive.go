package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ArchiveEntry is one JSONL line of an archived transcript.
type ArchiveEntry struct {
	UserID    string      `json:"userId"`
	SessionID string      `json:"sessionId"`
	Reason    EvictReason `json:"reason"`
	Message   Message     `json:"message"`
}

// Archiver writes discarded transcripts to JSONL files, one file per session.
type Archiver struct {
	dir string
	mu  sync.Mutex
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// NewArchiver creates the archive directory.
func NewArchiver(dir string) (*Archiver, error) {
	if dir == "" {
		return nil, fmt.Errorf("archive directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &Archiver{dir: dir}, nil
}

// Dir returns the archive directory.
func (a *Archiver) Dir() string {
	return a.dir
}

// archiveKey keeps user IDs path-safe: separators and dots-only names are replaced.
func archiveKey(userID string) string {
	key := unsafeKeyChars.ReplaceAllString(userID, "_")
	key = strings.Trim(key, ".")
	if key == "" {
		key = "anonymous"
	}
	return key
}

func fileName(userID string, at time.Time) string {
	return fmt.Sprintf("%s-%d.jsonl", archiveKey(userID), at.UnixNano())
}

// Archive writes the session transcript. Sessions without messages are skipped.
func (a *Archiver) Archive(sess Session, reason EvictReason) error {
	if len(sess.MessageHistory) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := filepath.Join(a.dir, fileName(sess.UserID, sess.LastUpdated))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, m := range sess.MessageHistory {
		entry := ArchiveEntry{
			UserID:    sess.UserID,
			SessionID: sess.ID,
			Reason:    reason,
			Message:   m,
		}
		if err := enc.Encode(&entry); err != nil {
			return fmt.Errorf("failed to encode archive entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write archive file: %w", err)
	}

	log.Debug().
		Str("user_id", sess.UserID).
		Str("file", path).
		Int("messages", len(sess.MessageHistory)).
		Str("reason", string(reason)).
		Msg("Session archived")
	return nil
}

// Hook adapts the archiver to Store.OnEvict. Write failures are logged.
func (a *Archiver) Hook() EvictHook {
	return func(sess Session, reason EvictReason) {
		if err := a.Archive(sess, reason); err != nil {
			log.Warn().Err(err).Str("user_id", sess.UserID).Msg("Failed to archive session")
		}
	}
}

// Load reads every archived entry for a user, oldest file first.
func (a *Archiver) Load(userID string) ([]ArchiveEntry, error) {
	prefix := archiveKey(userID) + "-"
	files, err := filepath.Glob(filepath.Join(a.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	sort.Strings(files)

	var entries []ArchiveEntry
	for _, file := range files {
		if !strings.HasPrefix(filepath.Base(file), prefix) {
			continue
		}
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open archive file: %w", err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var e ArchiveEntry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				log.Warn().Err(err).Str("file", file).Msg("Skipping malformed archive line")
				continue
			}
			if e.UserID == userID {
				entries = append(entries, e)
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read archive file: %w", err)
		}
	}
	return entries, nil
}
