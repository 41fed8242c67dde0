package core

import "sync"

// Entry is one relayed message in a room's history.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Transcripts accumulates the ordered message history of every room, keyed
// by session token.  Insertion order is the only ordering guarantee.
type Transcripts struct {
	mu    sync.RWMutex
	rooms map[string][]Entry
}

// NewTranscripts constructs an empty accumulator.
func NewTranscripts() *Transcripts {
	return &Transcripts{rooms: make(map[string][]Entry)}
}

// Append adds an entry to the token's history, creating it on first use.
// It returns the new length of the history, which doubles as the entry's
// 1-based sequence number within the room.
func (t *Transcripts) Append(token string, role Role, content string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms[token] = append(t.rooms[token], Entry{Role: role, Content: content})
	return len(t.rooms[token])
}

// Snapshot returns a copy of the token's history.  The returned slice is
// safe to read while further appends happen.
func (t *Transcripts) Snapshot(token string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	src := t.rooms[token]
	out := make([]Entry, len(src))
	copy(out, src)
	return out
}

// Len returns the number of entries recorded for token.
func (t *Transcripts) Len(token string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms[token])
}

// Drop discards the token's history.  Only used when a session is closed.
func (t *Transcripts) Drop(token string) {
	t.mu.Lock()
	delete(t.rooms, token)
	t.mu.Unlock()
}
