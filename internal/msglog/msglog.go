// Package msglog tracks bot-authored messages per user so a new interaction
// can start from a clean chat.
package msglog

import (
	"context"
	"log"
	"sync"
)

// Deleter removes a single chat message.
type Deleter interface {
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
}

// Entry is one tracked message.
type Entry struct {
	ChatID    int64
	MessageID int
}

// Log is the per-user message log. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries map[int64][]Entry
}

func New() *Log {
	return &Log{entries: make(map[int64][]Entry)}
}

// Track appends a message sent to userID.
func (l *Log) Track(userID, chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	l.mu.Lock()
	l.entries[userID] = append(l.entries[userID], Entry{ChatID: chatID, MessageID: messageID})
	l.mu.Unlock()
}

// Flush deletes every tracked message for userID one by one, ignoring
// individual failures, and leaves the log empty. It returns the number of
// messages actually deleted. Messages tracked while Flush runs are kept for
// the next flush.
func (l *Log) Flush(ctx context.Context, d Deleter, userID int64) int {
	l.mu.Lock()
	entries := l.entries[userID]
	delete(l.entries, userID)
	l.mu.Unlock()

	if len(entries) == 0 {
		return 0
	}

	deleted := 0
	for _, e := range entries {
		if err := d.DeleteMessage(ctx, e.ChatID, e.MessageID); err != nil {
			log.Printf("[msglog] delete message %d for user %d: %v", e.MessageID, userID, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.Printf("[msglog] cleaned up %d old messages for user %d", deleted, userID)
	}
	return deleted
}
