// Package conversation maintains the two-tier chat history for a
// project: an append-only full history used to restore UI state, and
// a compacted running history fed to the model each turn.
package conversation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/untoldecay/CodeLoom/internal/types"
)

// DefaultSessionID keys histories when no explicit session is given.
const DefaultSessionID = "default"

// compactedPlaceholder is the content of archive marker entries left
// in the running history after compaction.
const compactedPlaceholder = "Previous conversation history was compacted."

// Log stores ordered, deduplicated message lists in the project
// database.
type Log struct {
	db        *sql.DB
	sessionID string
	mu        sync.Mutex
}

// NewLog creates a conversation log over the given database. An empty
// sessionID selects the default session.
func NewLog(db *sql.DB, sessionID string) *Log {
	if sessionID == "" {
		sessionID = DefaultSessionID
	}
	return &Log{db: db, sessionID: sessionID}
}

// Append upserts a message into both tiers by conversationId
// (last-writer-wins) and writes the serialized arrays back.
func (l *Log) Append(msg types.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	full, running, err := l.read()
	if err != nil {
		return err
	}
	full = upsert(full, msg)
	running = upsert(running, msg)

	if err := l.write("full_conversations", full); err != nil {
		return err
	}
	return l.write("compact_conversations", running)
}

// Get returns the deduplicated (full, running) pair. When the running
// history is empty but the full one is not — states persisted before
// the two-tier split — the full history is served for both.
func (l *Log) Get() (full, running []types.Message, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	full, running, err = l.read()
	if err != nil {
		return nil, nil, err
	}
	if len(running) == 0 && len(full) > 0 {
		running = append([]types.Message(nil), full...)
	}
	return dedup(full), dedup(running), nil
}

// Compact replaces the running history with an archive marker followed
// by the given summary, leaving the full history untouched.
func (l *Log) Compact(summaryID, summary string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	running := []types.Message{
		{
			Role:           types.RoleAssistant,
			ConversationID: types.ArchivePrefix + summaryID,
			Content:        compactedPlaceholder + "\n\n" + summary,
		},
	}
	return l.write("compact_conversations", running)
}

// Clear empties the running history. The full history is append-only
// and survives.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.write("compact_conversations", nil)
}

// FilterForUI removes messages carrying the internal memo sentinel.
// They stay in storage for model context but are hidden from clients.
func FilterForUI(msgs []types.Message) []types.Message {
	out := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.Contains(m.Content, types.InternalMemoSentinel) {
			continue
		}
		out = append(out, m)
	}
	return out
}

func (l *Log) read() (full, running []types.Message, err error) {
	full, err = l.readTable("full_conversations")
	if err != nil {
		return nil, nil, err
	}
	running, err = l.readTable("compact_conversations")
	if err != nil {
		return nil, nil, err
	}
	return full, running, nil
}

func (l *Log) readTable(table string) ([]types.Message, error) {
	var raw string
	err := l.db.QueryRow(`SELECT messages FROM `+table+` WHERE id = ?`, l.sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, err)
	}
	var msgs []types.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", table, err)
	}
	return msgs, nil
}

func (l *Log) write(table string, msgs []types.Message) error {
	if msgs == nil {
		msgs = []types.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", table, err)
	}
	_, err = l.db.Exec(`
		INSERT INTO `+table+` (id, messages) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET messages = excluded.messages
	`, l.sessionID, string(data))
	if err != nil {
		return fmt.Errorf("writing %s: %w", table, err)
	}
	return nil
}

// upsert replaces an existing entry with the same conversationId in
// place, or appends. Messages without an id always append.
func upsert(msgs []types.Message, msg types.Message) []types.Message {
	if msg.ConversationID != "" {
		for i := range msgs {
			if msgs[i].ConversationID == msg.ConversationID {
				msgs[i] = msg
				return msgs
			}
		}
	}
	return append(msgs, msg)
}

// dedup keeps only the last occurrence of each conversationId,
// preserving the order of survivors.
func dedup(msgs []types.Message) []types.Message {
	lastIdx := make(map[string]int, len(msgs))
	for i, m := range msgs {
		if m.ConversationID != "" {
			lastIdx[m.ConversationID] = i
		}
	}
	out := make([]types.Message, 0, len(msgs))
	for i, m := range msgs {
		if m.ConversationID != "" && lastIdx[m.ConversationID] != i {
			continue
		}
		out = append(out, m)
	}
	return out
}
